package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/searchlight/searchlight/internal/api/middleware"
	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/api/response"
	"github.com/searchlight/searchlight/internal/auth"
)

// requirePrincipal returns the authenticated caller, writing a 401 when the
// request carries none.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := middleware.GetPrincipal(r.Context())
	if !ok || p.UserID == "" {
		response.Unauthorized(w, r, "user not authenticated")
		return auth.Principal{}, false
	}
	return p, true
}

// queryLimit parses the optional limit query parameter.
func queryLimit(r *http.Request) (int, *models.FieldError) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &models.FieldError{
			Field:   "limit",
			Message: "must be a positive integer",
			Code:    "INVALID_VALUE",
		}
	}
	return n, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return false
	}
	return true
}
