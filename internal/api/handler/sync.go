package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/api/response"
	"github.com/searchlight/searchlight/internal/changefeed"
	"github.com/searchlight/searchlight/internal/realtime"
)

// SyncHandler serves the polling snapshot fallback, change ingestion and the
// admin presence roster.
type SyncHandler struct {
	snapshots changefeed.SnapshotSource
	publisher changefeed.Publisher
	hub       *realtime.Hub
	logger    zerolog.Logger
}

// SyncHandlerConfig holds configuration for creating a SyncHandler.
type SyncHandlerConfig struct {
	Snapshots changefeed.SnapshotSource
	Publisher changefeed.Publisher
	Hub       *realtime.Hub
	Logger    zerolog.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(cfg SyncHandlerConfig) *SyncHandler {
	return &SyncHandler{
		snapshots: cfg.Snapshots,
		publisher: cfg.Publisher,
		hub:       cfg.Hub,
		logger:    cfg.Logger.With().Str("component", "sync_handler").Logger(),
	}
}

// ListSnapshots handles GET /v1/sync/snapshots?class=. Without a class every
// class the caller may read is returned.
func (h *SyncHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}
	if h.snapshots == nil {
		response.ServiceUnavailable(w, r, "snapshots unavailable")
		return
	}

	requested := parseClasses(r)
	var classes []changefeed.EntityClass
	if len(requested) == 0 {
		for _, class := range changefeed.Classes {
			if realtime.ClassAllowed(p.Role, class) {
				classes = append(classes, class)
			}
		}
	} else {
		var fieldErrors []models.FieldError
		for _, class := range requested {
			if !class.Valid() {
				fieldErrors = append(fieldErrors, models.FieldError{
					Field:   "class",
					Message: fmt.Sprintf("unknown entity class %q", class),
					Code:    "INVALID_VALUE",
				})
			}
		}
		if len(fieldErrors) > 0 {
			response.BadRequest(w, r, "validation failed", fieldErrors)
			return
		}
		for _, class := range requested {
			if !realtime.ClassAllowed(p.Role, class) {
				response.Forbidden(w, r, fmt.Sprintf("entity class %q is restricted", class))
				return
			}
		}
		classes = requested
	}

	list := models.SnapshotList{Snapshots: make([]changefeed.Snapshot, 0, len(classes))}
	for _, class := range classes {
		snap, err := h.snapshots.Snapshot(r.Context(), class)
		if err != nil {
			h.logger.Error().Err(err).Str("entity_class", string(class)).Msg("snapshot failed")
			response.ServiceUnavailable(w, r, "snapshot source unavailable")
			return
		}
		list.Snapshots = append(list.Snapshots, *snap)
	}
	response.JSON(w, r, http.StatusOK, list)
}

// IngestChanges handles POST /v1/internal/changes. Events are published in
// order; the first failure stops the batch.
func (h *SyncHandler) IngestChanges(w http.ResponseWriter, r *http.Request) {
	var input models.ChangeIngestRequest
	if !decodeJSON(w, r, &input) {
		return
	}
	if fieldErrors := models.ValidateStruct(input); len(fieldErrors) > 0 {
		response.BadRequest(w, r, "validation failed", fieldErrors)
		return
	}
	if h.publisher == nil {
		response.ServiceUnavailable(w, r, "change ingestion unavailable")
		return
	}

	for i, ev := range input.Events {
		if err := h.publisher.Publish(r.Context(), ev); err != nil {
			h.logger.Error().Err(err).
				Int("accepted", i).
				Str("entity_id", ev.EntityID).
				Msg("failed to publish change event")
			response.ServiceUnavailable(w, r, fmt.Sprintf("published %d of %d events", i, len(input.Events)))
			return
		}
	}
	response.Accepted(w, r, "", models.ChangeIngestResponse{Accepted: len(input.Events)})
}

// Presence handles GET /v1/admin/presence.
func (h *SyncHandler) Presence(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		response.ServiceUnavailable(w, r, "realtime gateway unavailable")
		return
	}

	entries := h.hub.Roster()
	roster := models.PresenceRoster{
		Members: make([]models.PresenceMember, 0, len(entries)),
		Size:    len(entries),
	}
	for _, e := range entries {
		roster.Members = append(roster.Members, models.PresenceMember{
			Identity: e.Identity,
			UserID:   e.UserID,
			Role:     e.Role,
			Sessions: e.Sessions,
			JoinedAt: models.Timestamp(e.JoinedAt),
		})
	}
	response.JSON(w, r, http.StatusOK, roster)
}

// parseClasses accepts repeated and comma-separated class parameters.
func parseClasses(r *http.Request) []changefeed.EntityClass {
	var classes []changefeed.EntityClass
	for _, raw := range r.URL.Query()["class"] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				classes = append(classes, changefeed.EntityClass(part))
			}
		}
	}
	return classes
}
