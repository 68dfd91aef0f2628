package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchlight/searchlight/internal/api/middleware"
	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/api/response"
)

// serve runs fn behind the RequestID middleware and returns the recorder.
func serve(method, path, inboundID string, fn func(w http.ResponseWriter, r *http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, http.NoBody)
	if inboundID != "" {
		req.Header.Set(middleware.RequestIDHeader, inboundID)
	}
	rec := httptest.NewRecorder()
	middleware.RequestID(http.HandlerFunc(fn)).ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) models.Problem {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem models.Problem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	return problem
}

func TestJSON(t *testing.T) {
	rec := serve(http.MethodGet, "/v1/me/devices", "req_list", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]int{"count": 2})
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "req_list", rec.Header().Get(middleware.RequestIDHeader))
	assert.JSONEq(t, `{"count":2}`, rec.Body.String())
}

func TestJSON_NilDataWritesNoBody(t *testing.T) {
	rec := serve(http.MethodGet, "/", "", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, nil)
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestJSON_WithoutRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	response.JSON(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody), http.StatusOK, map[string]string{})

	assert.Empty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestSuccessShapes(t *testing.T) {
	tests := []struct {
		name     string
		write    func(w http.ResponseWriter, r *http.Request)
		status   int
		location string
		body     bool
	}{
		{
			name:     "created",
			write:    func(w http.ResponseWriter, r *http.Request) { response.Created(w, r, "/v1/me/devices/dev_1", map[string]string{"id": "dev_1"}) },
			status:   http.StatusCreated,
			location: "/v1/me/devices/dev_1",
			body:     true,
		},
		{
			name:     "accepted",
			write:    func(w http.ResponseWriter, r *http.Request) { response.Accepted(w, r, "/v1/notifications/ntf_1", map[string]string{"id": "ntf_1"}) },
			status:   http.StatusAccepted,
			location: "/v1/notifications/ntf_1",
			body:     true,
		},
		{
			name:   "no content",
			write:  response.NoContent,
			status: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(http.MethodPost, "/", "", tt.write)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.location, rec.Header().Get("Location"))
			assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
			assert.Equal(t, tt.body, rec.Body.Len() > 0)
		})
	}
}

func TestProblems(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter, r *http.Request)
		status int
		ptype  string
	}{
		{"bad request", func(w http.ResponseWriter, r *http.Request) {
			response.BadRequest(w, r, "invalid body", []models.FieldError{{Field: "token", Message: "is required"}})
		}, http.StatusBadRequest, models.ProblemTypeValidation},
		{"unauthorized", func(w http.ResponseWriter, r *http.Request) {
			response.Unauthorized(w, r, "missing token")
		}, http.StatusUnauthorized, models.ProblemTypeUnauthorized},
		{"forbidden", func(w http.ResponseWriter, r *http.Request) {
			response.Forbidden(w, r, "restricted")
		}, http.StatusForbidden, models.ProblemTypeForbidden},
		{"not found", func(w http.ResponseWriter, r *http.Request) {
			response.NotFound(w, r, "device not found")
		}, http.StatusNotFound, models.ProblemTypeNotFound},
		{"conflict", func(w http.ResponseWriter, r *http.Request) {
			response.Conflict(w, r, "not yet sent")
		}, http.StatusConflict, models.ProblemTypeConflict},
		{"internal", func(w http.ResponseWriter, r *http.Request) {
			response.InternalError(w, r, "boom")
		}, http.StatusInternalServerError, models.ProblemTypeInternal},
		{"unavailable", func(w http.ResponseWriter, r *http.Request) {
			response.ServiceUnavailable(w, r, "publisher down")
		}, http.StatusServiceUnavailable, models.ProblemTypeUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(http.MethodPost, "/v1/test", "req_problem", tt.write)

			assert.Equal(t, tt.status, rec.Code)
			problem := decodeProblem(t, rec)
			assert.Equal(t, tt.status, problem.Status)
			assert.Equal(t, tt.ptype, problem.Type)
			assert.Equal(t, "req_problem", problem.TraceID)
			assert.Equal(t, "/v1/test", problem.Instance)
		})
	}
}

func TestBadRequest_CarriesFieldErrors(t *testing.T) {
	rec := serve(http.MethodPost, "/v1/me/subscriptions", "", func(w http.ResponseWriter, r *http.Request) {
		response.BadRequest(w, r, "validation failed", []models.FieldError{{Field: "topic", Message: "is required", Code: "REQUIRED"}})
	})

	problem := decodeProblem(t, rec)
	require.Len(t, problem.Errors, 1)
	assert.Equal(t, "topic", problem.Errors[0].Field)
	assert.Equal(t, "REQUIRED", problem.Errors[0].Code)
}
