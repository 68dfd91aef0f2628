package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/api/response"
	"github.com/searchlight/searchlight/internal/device"
	"github.com/searchlight/searchlight/internal/subscription"
	"github.com/searchlight/searchlight/internal/topic"
)

// SubscriptionHandler handles topic subscription endpoints.
type SubscriptionHandler struct {
	subscriptionService *subscription.Service
	deviceService       *device.Service
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(subscriptionService *subscription.Service, deviceService *device.Service) *SubscriptionHandler {
	return &SubscriptionHandler{
		subscriptionService: subscriptionService,
		deviceService:       deviceService,
	}
}

// ListSubscriptions handles GET /v1/me/subscriptions.
func (h *SubscriptionHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	subs, err := h.subscriptionService.ListByUser(r.Context(), p.UserID)
	if err != nil {
		response.InternalError(w, r, "internal server error")
		return
	}
	response.JSON(w, r, http.StatusOK, toSubscriptionList(subs))
}

// Subscribe handles POST /v1/me/subscriptions. When deviceId is given, the
// device's topic mirror is refreshed with the user's active subscriptions.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var input models.SubscribeRequest
	if !decodeJSON(w, r, &input) {
		return
	}
	if fieldErrors := models.ValidateStruct(input); len(fieldErrors) > 0 {
		response.BadRequest(w, r, "validation failed", fieldErrors)
		return
	}

	var forbidden []models.FieldError
	for i, name := range input.Topics {
		if !topic.AllowedFor(p.Role, name) {
			forbidden = append(forbidden, models.FieldError{
				Field:   fmt.Sprintf("topics[%d]", i),
				Message: fmt.Sprintf("topic %q is restricted to admins", name),
				Code:    "FORBIDDEN_TOPIC",
			})
		}
	}
	if len(forbidden) > 0 {
		response.BadRequest(w, r, "validation failed", forbidden)
		return
	}

	subs, err := h.subscriptionService.SubscribeMany(r.Context(), p.UserID, input.Topics, input.Reason)
	if err != nil {
		var validationErr *subscription.ValidationError
		if errors.As(err, &validationErr) {
			response.BadRequest(w, r, "validation failed", validationErr.Errors)
			return
		}
		response.InternalError(w, r, "internal server error")
		return
	}

	if input.DeviceID != nil {
		if err := h.mirrorTopics(r, p.UserID, *input.DeviceID); err != nil {
			if errors.Is(err, device.ErrDeviceNotFound) {
				response.NotFound(w, r, "device not found")
				return
			}
			response.InternalError(w, r, "internal server error")
			return
		}
	}

	response.JSON(w, r, http.StatusOK, toSubscriptionList(subs))
}

// Unsubscribe handles DELETE /v1/me/subscriptions/{topic}.
func (h *SubscriptionHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	err := h.subscriptionService.Unsubscribe(r.Context(), p.UserID, chi.URLParam(r, "topic"))
	if err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			response.NotFound(w, r, "subscription not found")
			return
		}
		response.InternalError(w, r, "internal server error")
		return
	}
	response.NoContent(w, r)
}

// CreateCustomTopic handles POST /v1/admin/topics.
func (h *SubscriptionHandler) CreateCustomTopic(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var input models.CustomTopicRequest
	if !decodeJSON(w, r, &input) {
		return
	}
	if fieldErrors := models.ValidateStruct(input); len(fieldErrors) > 0 {
		response.BadRequest(w, r, "validation failed", fieldErrors)
		return
	}

	ct, err := h.subscriptionService.CreateCustomTopic(r.Context(), input.Slug, p.UserID)
	if err != nil {
		var validationErr *subscription.ValidationError
		if errors.As(err, &validationErr) {
			response.BadRequest(w, r, "validation failed", validationErr.Errors)
			return
		}
		response.InternalError(w, r, "internal server error")
		return
	}
	response.Created(w, r, "/v1/admin/topics/"+ct.Name, subscription.CustomTopicToAPI(ct))
}

func (h *SubscriptionHandler) mirrorTopics(r *http.Request, userID, deviceID string) error {
	subs, err := h.subscriptionService.ListByUser(r.Context(), userID)
	if err != nil {
		return err
	}
	topics := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.IsSubscribed {
			topics = append(topics, s.Topic)
		}
	}
	return h.deviceService.SetTopics(r.Context(), userID, deviceID, topics)
}

func toSubscriptionList(subs []*subscription.Subscription) models.SubscriptionList {
	list := models.SubscriptionList{Items: make([]models.TopicSubscription, 0, len(subs))}
	for _, s := range subs {
		list.Items = append(list.Items, subscription.ToAPI(s))
	}
	return list
}
