package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"

	"github.com/searchlight/searchlight/internal/api/models"
)

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	// Name labels the limit in problem details.
	Name string
	// Requests per window
	RequestLimit int
	// Window duration
	WindowLength time.Duration
}

// Rate limits per route group.
var (
	// BroadcastRateLimit applies to admin broadcast and direct send (10 req/min).
	BroadcastRateLimit = RateLimitConfig{
		Name:         "broadcast",
		RequestLimit: 10,
		WindowLength: time.Minute,
	}

	// SyncRateLimit applies to snapshot polling (30 req/min).
	SyncRateLimit = RateLimitConfig{
		Name:         "sync",
		RequestLimit: 30,
		WindowLength: time.Minute,
	}

	// StandardRateLimit applies to device, subscription and inbox endpoints (100 req/min).
	StandardRateLimit = RateLimitConfig{
		Name:         "standard",
		RequestLimit: 100,
		WindowLength: time.Minute,
	}
)

// RateLimitByIP limits by client address. Behind a proxy, chi's RealIP must
// run first.
func RateLimitByIP(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(limitExceeded(cfg)),
	)
}

// RateLimitByUser limits by authenticated user, falling back to the client
// address when Auth has not run.
func RateLimitByUser(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.RequestLimit,
		cfg.WindowLength,
		httprate.WithKeyFuncs(keyByUserOrIP),
		httprate.WithLimitHandler(limitExceeded(cfg)),
	)
}

func keyByUserOrIP(r *http.Request) (string, error) {
	if userID := GetUserID(r.Context()); userID != "" {
		return "user:" + userID, nil
	}
	return httprate.KeyByRealIP(r)
}

// limitExceeded writes a 429 problem. httprate does not expose when the
// window resets, so Retry-After is the full window.
func limitExceeded(cfg RateLimitConfig) http.HandlerFunc {
	retryAfter := strconv.Itoa(max(1, int(cfg.WindowLength.Seconds())))
	name := cfg.Name
	if name == "" {
		name = "request"
	}
	detail := fmt.Sprintf("Rate limit exceeded: %s limit is %d requests per %s.", name, cfg.RequestLimit, cfg.WindowLength)

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", retryAfter)
		models.NewTooManyRequests(GetRequestID(r.Context()), detail).
			WithInstance(r.URL.Path).
			Write(w)
	}
}
