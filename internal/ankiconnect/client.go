// Package ankiconnect implements collection.Collection against a running
// Anki instance through the AnkiConnect add-on's HTTP API (version 6).
//
// Requests that fail with a connection error, a timeout or a non-200 status
// are retried with exponential backoff. An error reported by AnkiConnect
// itself is returned immediately.
package ankiconnect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultURL        = "http://127.0.0.1:8765"
	DefaultTimeout    = 5 * time.Second
	DefaultRetries    = 3
	DefaultRetryDelay = time.Second
	DefaultChunkSize  = 50

	apiVersion = 6
)

// Client talks to AnkiConnect.
type Client struct {
	url        string
	http       *http.Client
	retries    int
	retryDelay time.Duration
	chunkSize  int
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default 5 second timeout client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetry sets the retry count and the first retry delay. Each further
// delay is 1.5 times the previous one.
func WithRetry(retries int, delay time.Duration) Option {
	return func(c *Client) {
		c.retries = retries
		c.retryDelay = delay
	}
}

// WithChunkSize bounds the number of notes per batched request.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the AnkiConnect endpoint at url.
func New(url string, opts ...Option) *Client {
	if url == "" {
		url = DefaultURL
	}
	c := &Client{
		url:        url,
		http:       &http.Client{Timeout: DefaultTimeout},
		retries:    DefaultRetries,
		retryDelay: DefaultRetryDelay,
		chunkSize:  DefaultChunkSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type request struct {
	Action  string `json:"action"`
	Version int    `json:"version"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

// APIError is an error reported by AnkiConnect.
type APIError struct {
	Action  string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ankiconnect %s: %s", e.Action, e.Message)
}

// Invoke calls action with params and decodes the result into out, which
// may be nil.
func (c *Client) Invoke(ctx context.Context, action string, params, out any) error {
	body, err := json.Marshal(request{Action: action, Version: apiVersion, Params: params})
	if err != nil {
		return fmt.Errorf("ankiconnect %s: encode: %w", action, err)
	}

	var raw json.RawMessage
	op := func() error {
		res, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		if res.Error != nil {
			return backoff.Permanent(&APIError{Action: action, Message: *res.Error})
		}
		raw = res.Result
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retries)), ctx)

	notify := func(err error, next time.Duration) {
		c.logger.Warn("ankiconnect request failed, retrying", "action", action, "error", err, "in", next)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return err
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("ankiconnect %s: decode result: %w", action, err)
	}
	return nil
}

// post performs one HTTP round trip. Transport failures and non-200 statuses
// are retryable; a malformed body is not.
func (c *Client) post(ctx context.Context, body []byte) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("connect to %s: %w", c.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("ankiconnect: HTTP %d", resp.StatusCode)
	}

	var res response
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("ankiconnect: invalid JSON response: %w", err))
	}
	return &res, nil
}

// IsAPIError reports whether err was returned by AnkiConnect itself.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
