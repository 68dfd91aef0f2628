package device

import (
	"context"
	"time"
)

// Repository defines the interface for device persistence.
type Repository interface {
	// Get retrieves a device by ID.
	Get(ctx context.Context, deviceID string) (*Device, error)

	// GetByEndpoint retrieves a device by its natural identity.
	GetByEndpoint(ctx context.Context, userID, endpointID string) (*Device, error)

	// ListByUser retrieves all devices for a user, active or not.
	ListByUser(ctx context.Context, userID string) ([]*Device, error)

	// ListActiveByUser retrieves the active devices for a user.
	ListActiveByUser(ctx context.Context, userID string) ([]*Device, error)

	// Upsert creates or updates a device keyed by (user, endpoint).
	// On update the stored ID and CreatedAt are kept and written back into device.
	// Returns true if a new device was created.
	Upsert(ctx context.Context, device *Device) (created bool, err error)

	// Deactivate marks a device inactive. Deactivating an inactive device succeeds.
	Deactivate(ctx context.Context, deviceID string, at time.Time) error

	// DeactivateByToken marks every device holding token inactive and returns how many changed.
	DeactivateByToken(ctx context.Context, token string, at time.Time) (int, error)

	// Touch updates LastSeenAt.
	Touch(ctx context.Context, deviceID string, at time.Time) error

	// SetTopics replaces the topic list mirrored on the device.
	SetTopics(ctx context.Context, deviceID string, topics []string, at time.Time) error
}
