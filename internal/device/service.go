package device

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/api/models"
)

// Service provides device registry operations.
type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates a new device service.
func NewService(repo Repository, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates the device for (userID, input.EndpointID) or refreshes the
// existing one. Returns the resulting device and whether it was newly created.
func (s *Service) Register(ctx context.Context, userID string, input RegisterInput) (*Device, bool, error) {
	if fieldErrors := models.ValidateStruct(input); len(fieldErrors) > 0 {
		return nil, false, &ValidationError{Errors: fieldErrors}
	}

	now := s.now()
	d := &Device{
		ID:         "dev_" + uuid.New().String()[:22],
		UserID:     userID,
		EndpointID: input.EndpointID,
		Platform:   input.Platform,
		Token:      input.Token,
		AppVersion: input.AppVersion,
		Metadata:   input.Metadata,
		IsActive:   true,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	created, err := s.repo.Upsert(ctx, d)
	if err != nil {
		return nil, false, fmt.Errorf("upserting device: %w", err)
	}

	s.logger.Debug().
		Str("user_id", userID).
		Str("device_id", d.ID).
		Str("platform", string(d.Platform)).
		Bool("created", created).
		Msg("device registered")

	return d, created, nil
}

// Get returns a device owned by userID.
func (s *Service) Get(ctx context.Context, userID, deviceID string) (*Device, error) {
	d, err := s.repo.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d.UserID != userID {
		return nil, ErrDeviceNotFound
	}
	return d, nil
}

// List returns all devices of a user.
func (s *Service) List(ctx context.Context, userID string) ([]*Device, error) {
	return s.repo.ListByUser(ctx, userID)
}

// ListActive returns the push-capable devices of a user.
func (s *Service) ListActive(ctx context.Context, userID string) ([]*Device, error) {
	return s.repo.ListActiveByUser(ctx, userID)
}

// Deactivate soft-deactivates a device. Deactivating twice succeeds.
func (s *Service) Deactivate(ctx context.Context, deviceID string) error {
	return s.repo.Deactivate(ctx, deviceID, s.now())
}

// Unregister deactivates a device on behalf of its owner.
func (s *Service) Unregister(ctx context.Context, userID, deviceID string) error {
	if _, err := s.Get(ctx, userID, deviceID); err != nil {
		return err
	}
	return s.Deactivate(ctx, deviceID)
}

// DeactivateByToken deactivates the devices a provider reported as invalid.
func (s *Service) DeactivateByToken(ctx context.Context, token string) (int, error) {
	n, err := s.repo.DeactivateByToken(ctx, token, s.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int("devices", n).Msg("deactivated devices with invalid token")
	}
	return n, nil
}

// Touch records a liveness signal for a device.
func (s *Service) Touch(ctx context.Context, deviceID string) error {
	return s.repo.Touch(ctx, deviceID, s.now())
}

// TouchOwned records a liveness signal for a device owned by userID.
func (s *Service) TouchOwned(ctx context.Context, userID, deviceID string) error {
	if _, err := s.Get(ctx, userID, deviceID); err != nil {
		return err
	}
	return s.Touch(ctx, deviceID)
}

// SetTopics mirrors the subscribed topic set onto a device owned by userID.
func (s *Service) SetTopics(ctx context.Context, userID, deviceID string, topics []string) error {
	if _, err := s.Get(ctx, userID, deviceID); err != nil {
		return err
	}
	return s.repo.SetTopics(ctx, deviceID, topics, s.now())
}

// ToAPI converts a domain Device to an API Device.
func ToAPI(d *Device) models.Device {
	tokenLast4 := d.TokenLast4()
	topics := d.Topics
	if topics == nil {
		topics = []string{}
	}
	return models.Device{
		ID:         d.ID,
		EndpointID: d.EndpointID,
		Platform:   models.PushPlatform(d.Platform),
		TokenLast4: &tokenLast4,
		AppVersion: d.AppVersion,
		Metadata: models.DeviceMetadata{
			Model:     d.Metadata.Model,
			OSVersion: d.Metadata.OSVersion,
			Build:     d.Metadata.Build,
		},
		Topics:     topics,
		IsActive:   d.IsActive,
		LastSeenAt: models.Timestamp(d.LastSeenAt),
		CreatedAt:  models.Timestamp(d.CreatedAt),
		UpdatedAt:  models.Timestamp(d.UpdatedAt),
	}
}
