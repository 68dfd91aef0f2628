package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/api/middleware"
	"github.com/searchlight/searchlight/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth_MissingAuthorizationHeader(t *testing.T) {
	handler := middleware.Auth(createTestJWTService())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing authorization header")
}

func TestAuth_InvalidAuthorizationFormat(t *testing.T) {
	handler := middleware.Auth(createTestJWTService())(okHandler())

	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "token123"},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"bearer lowercase no space", "bearer token123"},
		{"empty bearer", "Bearer "},
		{"just bearer", "Bearer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestAuth_InvalidToken(t *testing.T) {
	handler := middleware.Auth(createTestJWTService())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer invalid.jwt.token")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid access token")
}

func TestAuth_ExpiredToken(t *testing.T) {
	jwtService := createTestJWTService()
	token, _, err := jwtService.GenerateAccessTokenWithExpiry(auth.Principal{UserID: "usr_1", Role: "runner"}, -time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	middleware.Auth(jwtService)(okHandler()).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "expired")
}

func TestAuth_ValidToken(t *testing.T) {
	jwtService := createTestJWTService()
	token, _, err := jwtService.GenerateAccessToken(auth.Principal{UserID: "usr_testuser123", Role: "coordinator"})
	require.NoError(t, err)

	var captured auth.Principal
	handler := middleware.Auth(jwtService)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = middleware.GetPrincipal(r.Context())
		assert.Equal(t, "usr_testuser123", middleware.GetUserID(r.Context()))
		assert.Equal(t, "coordinator", middleware.GetRole(r.Context()))
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "usr_testuser123", captured.UserID)
}

func TestAuth_CaseInsensitiveBearer(t *testing.T) {
	jwtService := createTestJWTService()
	token, _, err := jwtService.GenerateAccessToken(auth.Principal{UserID: "usr_testuser123", Role: "runner"})
	require.NoError(t, err)

	handler := middleware.Auth(jwtService)(okHandler())

	for _, prefix := range []string{"Bearer ", "bearer ", "BEARER "} {
		t.Run(prefix, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
			req.Header.Set("Authorization", prefix+token)
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestAuth_QueryTokenOnlyForWebsocket(t *testing.T) {
	jwtService := createTestJWTService()
	token, _, err := jwtService.GenerateAccessToken(auth.Principal{UserID: "adm_1", Role: "admin"})
	require.NoError(t, err)

	handler := middleware.Auth(jwtService)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/realtime?access_token="+token, http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/realtime?access_token="+token, http.NoBody)
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRole(t *testing.T) {
	handler := middleware.RequireRole("admin", "moderator")(okHandler())

	tests := []struct {
		role string
		want int
	}{
		{"admin", http.StatusOK},
		{"moderator", http.StatusOK},
		{"runner", http.StatusForbidden},
		{"", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", http.NoBody)
			if tt.role != "" {
				req = req.WithContext(middleware.WithPrincipal(req.Context(), auth.Principal{UserID: "u", Role: tt.role}))
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestGetUserID_NoAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	assert.Empty(t, middleware.GetUserID(req.Context()))
	_, ok := middleware.GetPrincipal(req.Context())
	assert.False(t, ok)
}

// createTestJWTService creates a JWT service for testing.
func createTestJWTService() *auth.JWTService {
	return auth.NewJWTService(auth.JWTConfig{
		SigningKey: "test-secret-key-for-testing-only",
		Issuer:     "https://auth.searchlight.test",
		Audience:   "searchlight-notify",
	})
}

func createValidToken(t *testing.T, userID, role string) string {
	t.Helper()
	token, _, err := createTestJWTService().GenerateAccessToken(auth.Principal{UserID: userID, Role: role})
	require.NoError(t, err)
	return token
}
