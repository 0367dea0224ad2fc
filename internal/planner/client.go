// Package planner implements the delegated planning boundary: a client
// that starts a run on an external planner service, and a reader that
// adapts the planner's event stream into classified session events.
package planner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bidcraft/bidcraft/pkg/schema"
)

// EventStream yields raw planner events in arrival order. Next returns
// io.EOF when the stream ends cleanly.
type EventStream interface {
	Next(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// DispatchRetry bounds retries of the initial run dispatch. Only
// throttling-class responses are retried; anything else fails
// immediately.
type DispatchRetry struct {
	MaxAttempts int
	BackoffBase time.Duration
}

// DefaultDispatchRetry returns the dispatch retry defaults.
func DefaultDispatchRetry() DispatchRetry {
	return DispatchRetry{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
	}
}

// Client starts runs on an external planner service and exposes the
// response as an EventStream.
type Client struct {
	endpoint   string
	agentID    string
	httpClient *http.Client
	retry      DispatchRetry
	onRetry    func()
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) { client.httpClient = c }
}

// WithDispatchRetry overrides the dispatch retry policy.
func WithDispatchRetry(r DispatchRetry) ClientOption {
	return func(client *Client) { client.retry = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) { client.logger = logger }
}

// WithRetryObserver registers a callback fired once per throttled
// dispatch retry.
func WithRetryObserver(fn func()) ClientOption {
	return func(client *Client) { client.onRetry = fn }
}

// NewClient creates a planner client for the given endpoint and agent.
func NewClient(endpoint, agentID string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		agentID:  agentID,
		retry:    DefaultDispatchRetry(),
		httpClient: &http.Client{
			// The stream may stay open for minutes; only the dial and
			// response headers are bounded here.
			Timeout: 0,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type runRequest struct {
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id"`
	Input     map[string]any `json:"input"`
}

// StartRun dispatches a planner run and returns its event stream. A
// throttled dispatch is retried with exponentially increasing delay up
// to the attempt bound; any other failure returns immediately.
func (c *Client) StartRun(ctx context.Context, sessionID string, input map[string]any) (EventStream, error) {
	body, err := json.Marshal(runRequest{
		AgentID:   c.agentID,
		SessionID: sessionID,
		Input:     input,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal run request: %w", err)
	}

	var lastErr error
	backoff := c.retry.BackoffBase
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		stream, throttled, err := c.dispatch(ctx, body)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !throttled {
			return nil, err
		}

		c.logger.Warn("planner dispatch throttled",
			"session_id", sessionID,
			"attempt", attempt,
			"max_attempts", c.retry.MaxAttempts)

		if attempt < c.retry.MaxAttempts {
			if c.onRetry != nil {
				c.onRetry()
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"planner dispatch failed after %d attempts: %s", c.retry.MaxAttempts, lastErr.Error()).
		WithCause(lastErr)
}

func (c *Client) dispatch(ctx context.Context, body []byte) (EventStream, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/runs", bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("create run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeDispatch,
			"planner dispatch failed: %s", err.Error()).WithCause(err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, true, schema.NewError(schema.ErrCodeThrottled, "planner dispatch throttled")
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, false, schema.NewErrorf(schema.ErrCodeDispatch,
			"planner dispatch failed (status %d): %s", resp.StatusCode, string(snippet))
	}
	return newSSEStream(resp.Body), false, nil
}

// sseStream parses a text/event-stream body into raw JSON events. Data
// lines belonging to one event are concatenated; comments and other
// fields are ignored.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

func (s *sseStream) Next(ctx context.Context) (json.RawMessage, error) {
	var data []string
	for s.scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := s.scanner.Text()

		if line == "" {
			if len(data) > 0 {
				return json.RawMessage(strings.Join(data, "\n")), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStream, "planner stream read failed: %s", err.Error()).WithCause(err)
	}
	if len(data) > 0 {
		return json.RawMessage(strings.Join(data, "\n")), nil
	}
	return nil, io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
