package models

import (
	"encoding/json"
	"net/http"
)

// Problem is an RFC 7807 problem document. Every error response of the API
// is one, served as application/problem+json.
type Problem struct {
	Type     string       `json:"type"`
	Title    string       `json:"title"`
	Status   int          `json:"status"`
	Detail   string       `json:"detail,omitempty"`
	Instance string       `json:"instance,omitempty"`
	TraceID  string       `json:"traceId"`
	Errors   []FieldError `json:"errors,omitempty"`
}

// FieldError describes one rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

const problemBase = "https://api.searchlight.org/problems/"

// Problem types.
const (
	ProblemTypeValidation           = problemBase + "validation-error"
	ProblemTypeUnauthorized         = problemBase + "unauthorized"
	ProblemTypeForbidden            = problemBase + "forbidden"
	ProblemTypeNotFound             = problemBase + "not-found"
	ProblemTypeConflict             = problemBase + "conflict"
	ProblemTypeUnsupportedMediaType = problemBase + "unsupported-media-type"
	ProblemTypeTooManyRequests      = problemBase + "too-many-requests"
	ProblemTypeInternal             = problemBase + "internal-error"
	ProblemTypeUnavailable          = problemBase + "service-unavailable"
)

// titles holds the fixed title of each problem type raised by the shortcut
// constructors below.
var titles = map[string]string{
	ProblemTypeValidation:           "Validation error",
	ProblemTypeUnauthorized:         "Unauthorized",
	ProblemTypeForbidden:            "Forbidden",
	ProblemTypeNotFound:             "Not found",
	ProblemTypeConflict:             "Conflict",
	ProblemTypeUnsupportedMediaType: "Unsupported media type",
	ProblemTypeTooManyRequests:      "Too many requests",
	ProblemTypeInternal:             "Internal server error",
	ProblemTypeUnavailable:          "Service unavailable",
}

// NewProblem creates a Problem.
func NewProblem(problemType, title string, status int, traceID string) *Problem {
	return &Problem{
		Type:    problemType,
		Title:   title,
		Status:  status,
		TraceID: traceID,
	}
}

func newKnown(problemType string, status int, traceID, detail string) *Problem {
	return NewProblem(problemType, titles[problemType], status, traceID).WithDetail(detail)
}

// WithDetail sets the occurrence-specific explanation.
func (p *Problem) WithDetail(detail string) *Problem {
	p.Detail = detail
	return p
}

// WithInstance sets the request path the problem occurred on.
func (p *Problem) WithInstance(instance string) *Problem {
	p.Instance = instance
	return p
}

// WithErrors attaches field errors.
func (p *Problem) WithErrors(errors []FieldError) *Problem {
	p.Errors = errors
	return p
}

// Write sends the problem with its status code. The trace ID doubles as the
// X-Request-Id response header.
func (p *Problem) Write(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "application/problem+json")
	if p.TraceID != "" {
		h.Set("X-Request-Id", p.TraceID)
	}
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func NewBadRequest(traceID, detail string, errors []FieldError) *Problem {
	return newKnown(ProblemTypeValidation, http.StatusBadRequest, traceID, detail).WithErrors(errors)
}

func NewUnauthorized(traceID, detail string) *Problem {
	return newKnown(ProblemTypeUnauthorized, http.StatusUnauthorized, traceID, detail)
}

func NewForbidden(traceID, detail string) *Problem {
	return newKnown(ProblemTypeForbidden, http.StatusForbidden, traceID, detail)
}

func NewNotFound(traceID, detail string) *Problem {
	return newKnown(ProblemTypeNotFound, http.StatusNotFound, traceID, detail)
}

func NewConflict(traceID, detail string) *Problem {
	return newKnown(ProblemTypeConflict, http.StatusConflict, traceID, detail)
}

func NewUnsupportedMediaType(traceID, detail string) *Problem {
	return newKnown(ProblemTypeUnsupportedMediaType, http.StatusUnsupportedMediaType, traceID, detail)
}

func NewTooManyRequests(traceID, detail string) *Problem {
	return newKnown(ProblemTypeTooManyRequests, http.StatusTooManyRequests, traceID, detail)
}

func NewInternalError(traceID, detail string) *Problem {
	return newKnown(ProblemTypeInternal, http.StatusInternalServerError, traceID, detail)
}

func NewServiceUnavailable(traceID, detail string) *Problem {
	return newKnown(ProblemTypeUnavailable, http.StatusServiceUnavailable, traceID, detail)
}
