package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// ErrCircuitOpen is returned when the breaker rejects a call without trying it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// StatusError is the error recorded for a retryable HTTP status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Recorder receives per-request measurements from a Client.
type Recorder interface {
	RecordRequest(provider, operation string, duration time.Duration, err error)
	RecordRetry(provider string)
	RecordRejected(provider string)
}

// ClientConfig holds configuration for the resilient HTTP client.
type ClientConfig struct {
	// Name identifies the client in logs, breaker state and health output.
	Name string

	// Timeout bounds each individual attempt. Default: 10 seconds
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	// Zero means DefaultMaxRetries; use NoRetries to disable.
	MaxRetries uint64

	// InitialInterval is the first retry delay. Default: 200ms
	InitialInterval time.Duration

	// MaxInterval caps the retry delay. Default: 5 seconds
	MaxInterval time.Duration

	// CircuitBreaker overrides DefaultCircuitBreakerConfig(Name).
	CircuitBreaker *CircuitBreakerConfig

	// Transport overrides http.DefaultTransport.
	Transport http.RoundTripper

	// Metrics is optional.
	Metrics Recorder

	Logger zerolog.Logger
}

// Retry defaults.
const (
	DefaultMaxRetries        = 3
	NoRetries         uint64 = 1<<64 - 1
)

// DefaultClientConfig returns the defaults for a named client.
func DefaultClientConfig(name string) ClientConfig {
	cb := DefaultCircuitBreakerConfig(name)
	return ClientConfig{
		Name:            name,
		Timeout:         10 * time.Second,
		MaxRetries:      DefaultMaxRetries,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		CircuitBreaker:  &cb,
		Logger:          zerolog.Nop(),
	}
}

// Client is an HTTP client with retries behind a circuit breaker.
// 5xx, 429 and network errors are retried and count as breaker failures;
// other statuses are returned to the caller as-is.
type Client struct {
	name       string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	config     ClientConfig
	logger     zerolog.Logger

	mu            sync.Mutex
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewClient creates a resilient HTTP client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	switch cfg.MaxRetries {
	case 0:
		cfg.MaxRetries = DefaultMaxRetries
	case NoRetries:
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	cbConfig := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	logger := cfg.Logger.With().Str("client", cfg.Name).Logger()
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		name:       cfg.Name,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		breaker:    NewCircuitBreaker[*http.Response](cbConfig, logger), //nolint:bodyclose // type param, not response
		config:     cfg,
		logger:     logger,
	}
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.name
}

// Do executes req with retries. Request bodies are replayed on every attempt,
// so they must be rewindable (http.NewRequest sets GetBody for byte readers).
// When retries run out on a retryable status, the last response is returned
// with a nil error.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialInterval
	bo.MaxInterval = c.config.MaxInterval
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.config.MaxRetries), ctx)

	var (
		lastResp *http.Response
		attempt  int
	)
	operation := func() error {
		attempt++
		if attempt > 1 && c.config.Metrics != nil {
			c.config.Metrics.RecordRetry(c.name)
		}
		if lastResp != nil {
			drain(lastResp)
			lastResp = nil
		}

		resp, err := c.breaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // returned to caller
			attemptReq, err := rewind(req)
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			r, err := c.httpClient.Do(attemptReq)
			if err != nil {
				return nil, err
			}
			if retryable(r.StatusCode) {
				return r, &StatusError{StatusCode: r.StatusCode}
			}
			return r, nil
		})

		switch {
		case err == nil:
			lastResp = resp
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			if c.config.Metrics != nil {
				c.config.Metrics.RecordRejected(c.name)
			}
			return backoff.Permanent(ErrCircuitOpen)
		}

		lastResp = resp
		c.logger.Debug().Err(err).Int("attempt", attempt).Str("url", req.URL.Redacted()).Msg("request attempt failed")
		return err
	}

	err := backoff.Retry(operation, policy)
	if err != nil && lastResp == nil {
		c.recordFailure(err)
		c.observe(req.Method, start, err)
		return nil, err
	}
	if lastResp != nil && retryable(lastResp.StatusCode) {
		statusErr := &StatusError{StatusCode: lastResp.StatusCode}
		c.recordFailure(statusErr)
		c.observe(req.Method, start, statusErr)
	} else {
		c.recordSuccess()
		c.observe(req.Method, start, nil)
	}
	return lastResp, nil
}

// CircuitBreakerState returns the current breaker state.
func (c *Client) CircuitBreakerState() gobreaker.State {
	return c.breaker.State()
}

// CircuitBreakerCounts returns the current breaker counts.
func (c *Client) CircuitBreakerCounts() gobreaker.Counts {
	return c.breaker.Counts()
}

// Health reports the client's current health.
func (c *Client) Health() ProviderHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	return ProviderHealth{
		Name:          c.name,
		CircuitState:  c.breaker.State(),
		Counts:        c.breaker.Counts(),
		LastSuccessAt: c.lastSuccessAt,
		LastFailureAt: c.lastFailureAt,
		LastError:     c.lastError,
	}
}

func (c *Client) observe(operation string, start time.Time, err error) {
	if c.config.Metrics != nil {
		c.config.Metrics.RecordRequest(c.name, operation, time.Since(start), err)
	}
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.lastSuccessAt = &now
}

func (c *Client) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.lastFailureAt = &now
	c.lastError = err.Error()
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// rewind clones req with a fresh body for one attempt.
func rewind(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		data, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("buffering request body: %w", err)
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// IsCircuitOpen reports whether err means the breaker rejected the call.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// NewJSONRequest builds a request with a rewindable JSON body.
func NewJSONRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}
