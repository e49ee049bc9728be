package httpclient

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Client wraps http.Client with bounded retries for transient provider
// failures. LLM vendors signal backpressure through rate limit headers;
// an optional HintParser turns those into wait hints that override the
// exponential backoff.
type Client struct {
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration
	hints      HintParser
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

func WithHeaderParser(p HintParser) Option {
	return func(c *Client) { c.hints = p }
}

func New(opts ...Option) *Client {
	c := &Client{
		http:       &http.Client{Timeout: 60 * time.Second},
		maxRetries: 5,
		baseDelay:  2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs the request, retrying 408/429/5xx responses. The request
// needs GetBody set for retries to replay the body (http.NewRequest
// sets it for the common body types).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastStatus int
	var lastHint RetryHint

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to rewind request body: %w", err)
			}
			req.Body = body
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		lastStatus = resp.StatusCode
		if c.hints != nil {
			lastHint = c.hints(resp.Header)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if attempt >= c.maxRetries {
			return nil, &StatusError{
				Status: lastStatus,
				Hint:   lastHint,
				Err:    fmt.Errorf("giving up after %d attempts", attempt+1),
			}
		}

		delay := c.nextDelay(attempt, lastHint)
		slog.Debug("Retrying provider request",
			"status", lastStatus, "delay", delay, "attempt", attempt+1)
		time.Sleep(delay)
		lastHint = RetryHint{}
	}
}

// nextDelay prefers the server's own wait hint over exponential backoff.
func (c *Client) nextDelay(attempt int, hint RetryHint) time.Duration {
	if hint.After > 0 {
		return hint.After
	}
	if !hint.ResetAt.IsZero() {
		if until := time.Until(hint.ResetAt); until > 0 {
			return until
		}
	}
	return c.baseDelay << attempt
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
