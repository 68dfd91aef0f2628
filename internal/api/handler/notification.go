package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/api/response"
	"github.com/searchlight/searchlight/internal/notification"
)

// NotificationHandler handles notification endpoints for recipients, admins
// and the push relay.
type NotificationHandler struct {
	notificationService *notification.Service
}

// NewNotificationHandler creates a new NotificationHandler.
func NewNotificationHandler(notificationService *notification.Service) *NotificationHandler {
	return &NotificationHandler{notificationService: notificationService}
}

// ListNotifications handles GET /v1/me/notifications?limit=&cursor=.
func (h *NotificationHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	limit, fieldErr := queryLimit(r)
	if fieldErr != nil {
		response.BadRequest(w, r, "validation failed", []models.FieldError{*fieldErr})
		return
	}

	items, next, err := h.notificationService.ListForRecipient(r.Context(), p.UserID, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		response.InternalError(w, r, "internal server error")
		return
	}
	if limit == 0 {
		limit = notification.DefaultListLimit
	}
	limit = min(limit, notification.MaxListLimit)

	list := models.NotificationList{
		Items: make([]models.Notification, 0, len(items)),
		Meta:  models.PagedResponseMeta{Limit: limit},
	}
	for _, n := range items {
		list.Items = append(list.Items, notification.ToAPI(n))
	}
	if next != "" {
		list.Meta.NextCursor = &next
	}
	response.JSON(w, r, http.StatusOK, list)
}

// MarkDelivered handles POST /v1/me/notifications/{notificationId}/delivered.
func (h *NotificationHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	h.acknowledge(w, r, h.notificationService.MarkDelivered)
}

// MarkOpened handles POST /v1/me/notifications/{notificationId}/opened.
func (h *NotificationHandler) MarkOpened(w http.ResponseWriter, r *http.Request) {
	h.acknowledge(w, r, h.notificationService.MarkOpened)
}

func (h *NotificationHandler) acknowledge(w http.ResponseWriter, r *http.Request, ack func(ctx context.Context, userID, id string) (*notification.Notification, error)) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	n, err := ack(r.Context(), p.UserID, chi.URLParam(r, "notificationId"))
	if err != nil {
		writeNotificationError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, notification.ToAPI(n))
}

// Broadcast handles POST /v1/admin/notifications/broadcast.
func (h *NotificationHandler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var input models.BroadcastRequest
	if !decodeJSON(w, r, &input) {
		return
	}
	if fieldErrors := models.ValidateStruct(input); len(fieldErrors) > 0 {
		response.BadRequest(w, r, "validation failed", fieldErrors)
		return
	}

	result, err := h.notificationService.Broadcast(r.Context(), input.Topic, toContent(input.NotificationContent))
	if err != nil {
		writeNotificationError(w, r, err)
		return
	}

	response.Accepted(w, r, "", models.BroadcastResponse{
		Topic:           result.Topic,
		Recipients:      result.Recipients,
		Created:         result.Created,
		Failed:          result.Failed,
		NotificationIDs: result.NotificationIDs,
	})
}

// Send handles POST /v1/admin/notifications - a direct single-recipient send.
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	var input models.DirectNotificationRequest
	if !decodeJSON(w, r, &input) {
		return
	}
	if fieldErrors := models.ValidateStruct(input); len(fieldErrors) > 0 {
		response.BadRequest(w, r, "validation failed", fieldErrors)
		return
	}

	n, err := h.notificationService.Send(r.Context(), notification.SendInput{
		RecipientUserID: input.RecipientUserID,
		Content:         toContent(input.NotificationContent),
	})
	if err != nil {
		writeNotificationError(w, r, err)
		return
	}
	response.Created(w, r, "/v1/me/notifications/"+n.ID, notification.ToAPI(n))
}

// PushFeedback handles POST /v1/internal/push-feedback. The push relay reports
// tokens the provider rejected after it had accepted a message.
func (h *NotificationHandler) PushFeedback(w http.ResponseWriter, r *http.Request) {
	var input models.PushFeedbackRequest
	if !decodeJSON(w, r, &input) {
		return
	}
	if fieldErrors := models.ValidateStruct(input); len(fieldErrors) > 0 {
		response.BadRequest(w, r, "validation failed", fieldErrors)
		return
	}

	n, err := h.notificationService.ReportHardFailure(r.Context(), input.NotificationID, input.Token, input.Reason)
	if err != nil {
		writeNotificationError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, notification.ToAPI(n))
}

func writeNotificationError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *notification.ValidationError
	switch {
	case errors.As(err, &validationErr):
		response.BadRequest(w, r, "validation failed", validationErr.Errors)
	case notification.IsNotFound(err):
		response.NotFound(w, r, "notification not found")
	case errors.Is(err, notification.ErrInvalidTransition):
		response.Conflict(w, r, err.Error())
	default:
		response.InternalError(w, r, "internal server error")
	}
}

func toContent(in models.NotificationContent) notification.Content {
	return notification.Content{
		Title:         in.Title,
		Body:          in.Body,
		Type:          notification.Type(in.Type),
		Priority:      notification.Priority(in.Priority),
		Payload:       in.Payload,
		TTL:           time.Duration(in.TTLSeconds) * time.Second,
		CaseID:        in.CaseID,
		RelatedUserID: in.RelatedUserID,
	}
}
