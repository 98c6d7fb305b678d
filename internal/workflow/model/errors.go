package model

import "errors"

// ErrProcessorBinding reports a processor whose user/agent references do not
// match its kind.
var ErrProcessorBinding = errors.New("processor kind does not match its user/agent bindings")
