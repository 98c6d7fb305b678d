// Package llm provides a minimal OpenAI-compatible chat completions client
// with function-calling support. Agent and simulator processors use it; the
// scheduler never does.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openweave/weave/internal/apperr"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDef describes one callable function exposed to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a structured function call returned by the model.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is a chat completion request.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDef
	ForceTool   string // When set, the model must call this tool
	Temperature float64
	MaxTokens   int
}

// Response is a chat completion response.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Client is the completion surface used by the task services.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Config configures the HTTP client.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
}

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	backoffBase        = 500 * time.Millisecond
)

type httpClient struct {
	baseURL     string
	apiKey      string
	maxAttempts int
	client      *http.Client
}

// NewClient constructs a client that speaks the OpenAI-compatible chat
// completions API.
func NewClient(cfg Config) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxAttempts
	}
	return &httpClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		maxAttempts: attempts,
		client:      &http.Client{Timeout: timeout},
	}
}

func (c *httpClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(c.wireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.doOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !apperr.Is(err, apperr.KindTransient) {
			return nil, err
		}
		if attempt < c.maxAttempts {
			backoff := backoffBase * time.Duration(1<<(attempt-1))
			slog.Warn("model API call failed, retrying",
				"attempt", attempt,
				"backoff", backoff,
				"error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("model API call failed after %d attempts: %w", c.maxAttempts, lastErr)
}

func (c *httpClient) wireRequest(req Request) map[string]any {
	wire := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   false,
	}
	if req.Temperature > 0 {
		wire["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		wire["max_tokens"] = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tool.Name,
					"description": tool.Description,
					"parameters":  tool.Parameters,
				},
			})
		}
		wire["tools"] = tools
		if req.ForceTool != "" {
			wire["tool_choice"] = map[string]any{
				"type":     "function",
				"function": map[string]any{"name": req.ForceTool},
			}
		} else {
			wire["tool_choice"] = "auto"
		}
	}
	return wire
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string          `json:"name"`
					Arguments json.RawMessage `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *httpClient) doOnce(ctx context.Context, body []byte) (*Response, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "model API request failed")
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, err, "failed to read model API response")
	}

	if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, apperr.New(apperr.KindTransient, "model API returned status %d: %s", httpResp.StatusCode, truncate(respBody, 200))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, apperr.New(apperr.KindInternal, "model API returned status %d: %s", httpResp.StatusCode, truncate(respBody, 200))
	}

	var wire wireResponse
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, err, "failed to decode model API response")
	}
	if wire.Error != nil {
		return nil, apperr.New(apperr.KindInternal, "model API error: %s", wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return nil, apperr.New(apperr.KindParse, "model API returned no choices")
	}

	message := wire.Choices[0].Message
	resp := &Response{Content: message.Content}
	for _, call := range message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return resp, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
