package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/searchlight/searchlight/internal/api/middleware"
	"github.com/searchlight/searchlight/internal/auth"
)

func limited(limiter func(http.Handler) http.Handler) http.Handler {
	return middleware.RequestID(limiter(okHandler()))
}

func sendFrom(handler http.Handler, ip string, principal *auth.Principal) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/sync/snapshots", http.NoBody)
	req.RemoteAddr = ip
	if principal != nil {
		req = req.WithContext(middleware.WithPrincipal(req.Context(), *principal))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitByIP_BlocksOverLimit(t *testing.T) {
	handler := limited(middleware.RateLimitByIP(middleware.RateLimitConfig{RequestLimit: 3, WindowLength: time.Minute}))

	for i := range 3 {
		assert.Equal(t, http.StatusOK, sendFrom(handler, "10.0.0.1:12345", nil).Code, "request %d", i+1)
	}
	assert.Equal(t, http.StatusTooManyRequests, sendFrom(handler, "10.0.0.1:12345", nil).Code)

	// Other addresses have their own budget.
	assert.Equal(t, http.StatusOK, sendFrom(handler, "10.0.0.2:12345", nil).Code)
}

func TestRateLimitByUser_FallsBackToIP(t *testing.T) {
	handler := limited(middleware.RateLimitByUser(middleware.RateLimitConfig{RequestLimit: 2, WindowLength: time.Minute}))

	assert.Equal(t, http.StatusOK, sendFrom(handler, "192.168.1.1:1", nil).Code)
	assert.Equal(t, http.StatusOK, sendFrom(handler, "192.168.1.1:1", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, sendFrom(handler, "192.168.1.1:1", nil).Code)
	assert.Equal(t, http.StatusOK, sendFrom(handler, "192.168.1.2:1", nil).Code)
}

func TestRateLimitByUser_KeysOnPrincipal(t *testing.T) {
	handler := limited(middleware.RateLimitByUser(middleware.RateLimitConfig{RequestLimit: 2, WindowLength: time.Minute}))
	alice := &auth.Principal{UserID: "usr_a", Role: "runner"}
	bob := &auth.Principal{UserID: "usr_b", Role: "runner"}

	// The same user is limited across addresses.
	assert.Equal(t, http.StatusOK, sendFrom(handler, "10.0.0.1:1000", alice).Code)
	assert.Equal(t, http.StatusOK, sendFrom(handler, "10.0.0.2:1000", alice).Code)
	assert.Equal(t, http.StatusTooManyRequests, sendFrom(handler, "10.0.0.3:1000", alice).Code)

	// Another user behind the same address is not.
	assert.Equal(t, http.StatusOK, sendFrom(handler, "10.0.0.1:1000", bob).Code)
}

func TestRateLimitExceeded_Problem(t *testing.T) {
	handler := limited(middleware.RateLimitByIP(middleware.RateLimitConfig{
		Name:         "sync",
		RequestLimit: 1,
		WindowLength: 30 * time.Second,
	}))

	assert.Equal(t, http.StatusOK, sendFrom(handler, "203.0.113.1:1", nil).Code)
	rec := sendFrom(handler, "203.0.113.1:1", nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	body := rec.Body.String()
	assert.Contains(t, body, "too-many-requests")
	assert.Contains(t, body, "sync limit is 1 requests per 30s")
	assert.Contains(t, body, "/v1/sync/snapshots")
}

func TestDefaultRateLimitConfigs(t *testing.T) {
	assert.Equal(t, 10, middleware.BroadcastRateLimit.RequestLimit)
	assert.Equal(t, 30, middleware.SyncRateLimit.RequestLimit)
	assert.Equal(t, 100, middleware.StandardRateLimit.RequestLimit)
	for _, cfg := range []middleware.RateLimitConfig{middleware.BroadcastRateLimit, middleware.SyncRateLimit, middleware.StandardRateLimit} {
		assert.Equal(t, time.Minute, cfg.WindowLength, cfg.Name)
	}
}
