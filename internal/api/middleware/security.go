package middleware

import (
	"net/http"
	"strconv"

	"github.com/searchlight/searchlight/internal/api/models"
)

// ProblemTypeTLSRequired is the problem type for plain-HTTP requests when TLS
// is enforced.
const ProblemTypeTLSRequired = "https://api.searchlight.org/problems/tls-required"

// SecurityConfig configures Security.
type SecurityConfig struct {
	// RequireTLS rejects requests a proxy reports as plain HTTP.
	RequireTLS bool
	// HSTSMaxAge in seconds. Default: one year
	HSTSMaxAge int
}

// Security sets the API's security headers and, when configured, rejects
// requests whose X-Forwarded-Proto is neither https nor wss. Requests without
// the header come straight from a local client and are let through.
func Security(cfg SecurityConfig) func(http.Handler) http.Handler {
	if cfg.HSTSMaxAge <= 0 {
		cfg.HSTSMaxAge = 31536000
	}
	hsts := "max-age=" + strconv.Itoa(cfg.HSTSMaxAge) + "; includeSubDomains"

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Strict-Transport-Security", hsts)
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")

			if cfg.RequireTLS {
				switch r.Header.Get("X-Forwarded-Proto") {
				case "", "https", "wss":
				default:
					models.NewProblem(ProblemTypeTLSRequired, "TLS required", http.StatusForbidden, GetRequestID(r.Context())).
						WithDetail("This endpoint requires HTTPS").
						WithInstance(r.URL.Path).
						Write(w)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
