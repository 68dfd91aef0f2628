package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/api/response"
	"github.com/searchlight/searchlight/internal/device"
)

// DeviceHandler handles device endpoints.
type DeviceHandler struct {
	deviceService *device.Service
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(deviceService *device.Service) *DeviceHandler {
	return &DeviceHandler{deviceService: deviceService}
}

// ListDevices handles GET /v1/me/devices - list registered devices.
func (h *DeviceHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	devices, err := h.deviceService.List(r.Context(), p.UserID)
	if err != nil {
		response.InternalError(w, r, "internal server error")
		return
	}

	list := models.DeviceList{Items: make([]models.Device, 0, len(devices))}
	for _, d := range devices {
		list.Items = append(list.Items, device.ToAPI(d))
	}
	response.JSON(w, r, http.StatusOK, list)
}

// RegisterDevice handles POST /v1/me/devices - register or refresh a device.
// A new endpoint answers 201, a known one 200.
func (h *DeviceHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	var input models.DeviceRegisterRequest
	if !decodeJSON(w, r, &input) {
		return
	}

	d, created, err := h.deviceService.Register(r.Context(), p.UserID, device.RegisterInput{
		EndpointID: input.EndpointID,
		Platform:   device.Platform(input.Platform),
		Token:      input.Token,
		AppVersion: input.AppVersion,
		Metadata: device.Metadata{
			Model:     input.DeviceMetadata.Model,
			OSVersion: input.DeviceMetadata.OSVersion,
			Build:     input.DeviceMetadata.Build,
		},
	})
	if err != nil {
		var validationErr *device.ValidationError
		if errors.As(err, &validationErr) {
			response.BadRequest(w, r, "validation failed", validationErr.Errors)
			return
		}
		response.InternalError(w, r, "internal server error")
		return
	}

	if created {
		response.Created(w, r, "/v1/me/devices/"+d.ID, device.ToAPI(d))
		return
	}
	response.JSON(w, r, http.StatusOK, device.ToAPI(d))
}

// UnregisterDevice handles DELETE /v1/me/devices/{deviceId}.
func (h *DeviceHandler) UnregisterDevice(w http.ResponseWriter, r *http.Request) {
	h.ownedDeviceAction(w, r, h.deviceService.Unregister)
}

// Heartbeat handles POST /v1/me/devices/{deviceId}/heartbeat.
func (h *DeviceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	h.ownedDeviceAction(w, r, h.deviceService.TouchOwned)
}

func (h *DeviceHandler) ownedDeviceAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, userID, deviceID string) error) {
	p, ok := requirePrincipal(w, r)
	if !ok {
		return
	}

	if err := action(r.Context(), p.UserID, chi.URLParam(r, "deviceId")); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			response.NotFound(w, r, "device not found")
			return
		}
		response.InternalError(w, r, "internal server error")
		return
	}
	response.NoContent(w, r)
}
