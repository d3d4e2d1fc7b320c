// Package ksef is the HTTP transport towards the KSeF authority.
//
// Every call returns an *Envelope rather than an error. Connection failures and 5xx answers are
// retried with a fixed delay schedule (1s, 5s, 30s; three attempts in total), 4xx answers are
// returned immediately. The typed endpoint helpers in api.go build on Client.Do.
package ksef

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttempts is the total number of HTTP attempts per call.
	DefaultMaxAttempts = 3

	// maxResponseSize caps how much of a response body is read (receipts included).
	maxResponseSize = 10 * 1024 * 1024
)

// DefaultRetryDelays is the wait before the 2nd, 3rd and 4th attempt.
var DefaultRetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// Client performs authority calls with retry and optional rate limiting.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	logger      *slog.Logger
	retryDelays []time.Duration
	maxAttempts int
	limiter     *rate.Limiter
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client (30s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-attempt timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRetryDelays overrides the retry schedule. Tests pass zero delays.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(c *Client) { c.retryDelays = delays }
}

func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRateLimit throttles outbound requests. requestsPerSecond <= 0 disables the limiter.
func WithRateLimit(requestsPerSecond, burst int32) Option {
	return func(c *Client) {
		if requestsPerSecond <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), int(max(burst, 1)))
	}
}

func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		retryDelays: DefaultRetryDelays,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the authority base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// RequestOptions are the optional parts of an authority request.
type RequestOptions struct {
	// SessionToken is sent as a bearer token when set.
	SessionToken string

	Body []byte

	// ContentType defaults to application/json when a body is present.
	ContentType string
}

func (c *Client) Get(ctx context.Context, path string, opts RequestOptions) *Envelope {
	return c.Do(ctx, http.MethodGet, path, opts)
}

func (c *Client) Post(ctx context.Context, path string, opts RequestOptions) *Envelope {
	return c.Do(ctx, http.MethodPost, path, opts)
}

func (c *Client) Put(ctx context.Context, path string, opts RequestOptions) *Envelope {
	return c.Do(ctx, http.MethodPut, path, opts)
}

// Do sends the request, retrying transient failures, and returns the last envelope.
func (c *Client) Do(ctx context.Context, method, path string, opts RequestOptions) *Envelope {
	var (
		last     *Envelope
		attempts int
	)

	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempts++
		env := c.attempt(ctx, method, path, opts)
		last = env

		if env.Transient() {
			c.logger.Debug("authority call failed",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", env.Status),
				slog.Int("attempt", attempts),
				slog.String("error", env.Error),
			)
			return retry.RetryableError(errors.New(env.Error))
		}
		return nil
	})

	if last == nil {
		// the context was cancelled before the first attempt
		last = transportFailure(err)
	}
	last.Attempts = attempts

	if last.Transient() {
		c.logger.Warn("authority call gave up",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", last.Status),
			slog.Int("attempts", attempts),
		)
	}
	return last
}

// backoff yields the configured delays until maxAttempts is reached.
func (c *Client) backoff() retry.Backoff {
	retries := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		if retries >= c.maxAttempts-1 {
			return 0, true
		}
		var d time.Duration
		if len(c.retryDelays) > 0 {
			d = c.retryDelays[min(retries, len(c.retryDelays)-1)]
		}
		retries++
		return d, false
	})
}

func (c *Client) attempt(ctx context.Context, method, path string, opts RequestOptions) *Envelope {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return transportFailure(err)
		}
	}

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return transportFailure(err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if opts.Body != nil {
		contentType := opts.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}
	if opts.SessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.SessionToken)
	}

	// #nosec G704 -- the base URL comes from server configuration, paths are built by this package
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportFailure(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return transportFailure(err)
	}
	return newEnvelope(resp.StatusCode, bytes.TrimSpace(data))
}
