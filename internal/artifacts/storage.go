// Package artifacts stores large binary or JSON payloads produced around
// task execution, keeping the task rows themselves small. Content lives
// behind a pluggable storage driver; postgres only holds references.
package artifacts

import (
	"context"
	"io"
	"time"
)

// Driver is the binary storage backend for artifact content.
type Driver interface {
	// Put writes the content under the given key.
	Put(ctx context.Context, key string, body io.Reader, contentType string) error

	// Open streams the content back together with its content type.
	Open(ctx context.Context, key string) (io.ReadCloser, string, error)

	// Remove deletes the content. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// URL returns a link for fetching the content. A zero ttl lets the
	// driver pick its default.
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
