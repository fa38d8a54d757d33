// Package httpclient provides the HTTP client used to fetch remote
// resources such as XMLTV guide documents. It layers retries with
// exponential backoff, a circuit breaker, transparent decompression, and
// a decompressed-size cap over the standard http.Client.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Sentinel errors surfaced by the client.
var (
	// ErrCircuitOpen is returned without sending the request when the
	// upstream has tripped the breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRetriesExhausted wraps the last attempt error once the retry
	// budget is spent.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrResponseTooLarge is returned from body reads once the
	// decompressed size cap is crossed.
	ErrResponseTooLarge = errors.New("response exceeds size cap")
)

// Defaults applied by DefaultConfig and by NewCircuitBreaker when given
// non-positive parameters.
const (
	DefaultTimeout            = 30 * time.Second
	DefaultRetryAttempts      = 3
	DefaultRetryDelay         = 1 * time.Second
	DefaultRetryMaxDelay      = 30 * time.Second
	DefaultBackoffMultiplier  = 2.0
	DefaultCircuitThreshold   = 5
	DefaultCircuitTimeout     = 30 * time.Second
	DefaultCircuitHalfOpenMax = 1

	defaultUserAgent = "streamcore/dev"
)

// Config holds the client settings. The zero value is not usable; start
// from DefaultConfig and override fields as needed.
type Config struct {
	// Timeout bounds each individual attempt, not the whole retry loop.
	Timeout time.Duration

	// RetryAttempts is how many times a failed request is retried after
	// the initial attempt. Zero disables retries.
	RetryAttempts int

	// RetryDelay and RetryMaxDelay bound the backoff schedule, which
	// grows by BackoffMultiplier per retry.
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64

	// CircuitThreshold consecutive failures open the breaker for
	// CircuitTimeout, after which CircuitHalfOpenMax probes are let
	// through.
	CircuitThreshold   int
	CircuitTimeout     time.Duration
	CircuitHalfOpenMax int

	// UserAgent is sent when the request carries none.
	UserAgent string

	// EnableDecompression advertises and transparently decodes gzip,
	// deflate, and brotli response bodies.
	EnableDecompression bool

	// MaxResponseSize caps the body size in bytes, measured after
	// decompression so a small compressed payload cannot expand past
	// it. Zero means unlimited.
	MaxResponseSize int64

	// Logger receives request and retry logs. Defaults to slog.Default.
	Logger *slog.Logger

	// BaseClient overrides the underlying http.Client. Used in tests.
	BaseClient *http.Client
}

// DefaultConfig returns the settings used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		CircuitHalfOpenMax:  DefaultCircuitHalfOpenMax,
		UserAgent:           defaultUserAgent,
		EnableDecompression: true,
		Logger:              slog.Default(),
	}
}

// Client wraps http.Client with retries, a circuit breaker, and body
// decoding. Safe for concurrent use.
type Client struct {
	config  Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a client from cfg, normalizing unset fields.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}

	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config:  cfg,
		client:  base,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout, cfg.CircuitHalfOpenMax),
		logger:  cfg.Logger,
	}
}

// Get issues a GET request to url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	return c.Do(req)
}

// Do executes req with retries and breaker protection. The response body
// is decoded and size-capped per the client config; the caller must
// close it. A response with a non-2xx, non-retryable status is returned
// as-is so callers can inspect it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.prepare(req)
	ctx := req.Context()

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff(attempt)
			c.logger.Debug("retrying request",
				slog.String("url", req.URL.String()),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		// An open breaker fails the whole call rather than burning the
		// retry budget against an upstream known to be down.
		if !c.breaker.Allow() {
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %v)", ErrCircuitOpen, lastErr)
			}
			return nil, ErrCircuitOpen
		}

		resp, retry, err := c.send(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry {
			return nil, err
		}
	}

	return nil, fmt.Errorf("%w: %w", ErrRetriesExhausted, lastErr)
}

// prepare fills in default headers on req.
func (c *Client) prepare(req *http.Request) {
	if c.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", acceptedEncodings)
	}
}

// send performs a single attempt. The bool reports whether the failure
// is worth retrying.
func (c *Client) send(req *http.Request) (*http.Response, bool, error) {
	start := time.Now()
	resp, err := c.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		c.breaker.RecordFailure()
		c.logger.Warn("request failed",
			slog.String("url", req.URL.String()),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))

		// Cancellation and deadline expiry will not improve on retry.
		retry := !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		return nil, retry, err
	}

	if retryableStatus(resp.StatusCode) {
		c.breaker.RecordFailure()
		resp.Body.Close()
		return nil, true, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	// Other non-2xx statuses go back to the caller but still count
	// against the breaker.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.breaker.RecordSuccess()
	} else {
		c.breaker.RecordFailure()
	}

	c.logger.Debug("request completed",
		slog.String("url", req.URL.String()),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", elapsed))

	resp.Body = c.wrapBody(resp)
	return resp, false, nil
}

// backoff returns the wait before the given retry attempt (1-based).
func (c *Client) backoff(attempt int) time.Duration {
	wait := c.config.RetryDelay
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * c.config.BackoffMultiplier)
		if wait >= c.config.RetryMaxDelay {
			return c.config.RetryMaxDelay
		}
	}
	if c.config.RetryMaxDelay > 0 && wait > c.config.RetryMaxDelay {
		wait = c.config.RetryMaxDelay
	}
	return wait
}

// retryableStatus reports whether a status code indicates a transient
// upstream condition.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// CircuitState returns the breaker's current state.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// CircuitStats returns the breaker's counters for monitoring.
func (c *Client) CircuitStats() CircuitBreakerStats {
	return c.breaker.Stats()
}
