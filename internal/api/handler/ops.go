// Package handler provides HTTP handlers for the Searchlight notification API.
package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/api/response"
)

// readyTimeout bounds each dependency probe.
const readyTimeout = 2 * time.Second

// Pinger is a dependency that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	checks    map[string]Pinger
	sessions  func() int
}

// OpsHandlerConfig holds configuration for creating an OpsHandler.
type OpsHandlerConfig struct {
	Version   string
	BuildTime string
	// Checks are probed by the readiness and status endpoints, keyed by name.
	Checks map[string]Pinger
	// Sessions reports the number of live realtime sessions. Optional.
	Sessions func() int
}

// NewOpsHandler creates a new OpsHandler.
func NewOpsHandler(cfg OpsHandlerConfig) *OpsHandler {
	return &OpsHandler{
		version:   cfg.Version,
		buildTime: cfg.BuildTime,
		checks:    cfg.Checks,
		sessions:  cfg.Sessions,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready. Any failing dependency makes the
// instance unready.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	subsystems := h.probe(r.Context())

	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
	}
	status := http.StatusOK
	for _, s := range subsystems {
		if s.Status != models.HealthStatusOK {
			health.Status = models.HealthStatusFail
			health.Details = map[string]interface{}{"failing": s.Name}
			status = http.StatusServiceUnavailable
			break
		}
	}
	response.JSON(w, r, status, health)
}

// SystemStatus handles GET /v1/ops/status - per-dependency status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	subsystems := h.probe(r.Context())

	status := models.SystemStatus{
		Status:     models.HealthStatusOK,
		Time:       models.Timestamp(time.Now()),
		Subsystems: subsystems,
		Details:    map[string]interface{}{"version": h.version},
	}
	for _, s := range subsystems {
		if s.Status != models.HealthStatusOK {
			status.Status = models.HealthStatusDegraded
		}
	}
	if h.sessions != nil {
		status.Details["realtimeSessions"] = h.sessions()
	}
	response.JSON(w, r, http.StatusOK, status)
}

func (h *OpsHandler) probe(ctx context.Context) []models.SubsystemStatus {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.SubsystemStatus, 0, len(names))
	for _, name := range names {
		pingCtx, cancel := context.WithTimeout(ctx, readyTimeout)
		err := h.checks[name].Ping(pingCtx)
		cancel()

		s := models.SubsystemStatus{Name: name, Status: models.HealthStatusOK}
		if err != nil {
			s.Status = models.HealthStatusFail
			s.Details = err.Error()
		}
		out = append(out, s)
	}
	return out
}
