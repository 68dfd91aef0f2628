package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/protocol"
	"github.com/searchlight/searchlight/internal/topic"
)

// Defaults applied when content leaves them unset.
const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxRetries = 5
	DefaultListLimit  = 50
	MaxListLimit      = 200
)

// Subscribers resolves topic audiences and counts fan-out legs.
type Subscribers interface {
	ListSubscribers(ctx context.Context, topic string) ([]string, error)
	RecordDelivery(ctx context.Context, userID, topic string) error
}

// TokenDeactivator deactivates devices by push token.
type TokenDeactivator interface {
	DeactivateByToken(ctx context.Context, token string) (int, error)
}

// LiveNotifier pushes an in-app copy to the recipient's open realtime
// sessions. It returns the number of sessions reached.
type LiveNotifier interface {
	NotifyUser(userID string, n protocol.Notification) int
}

// ValidationError represents notification input validation errors.
type ValidationError struct {
	Errors []models.FieldError
}

func (e *ValidationError) Error() string {
	return "validation failed"
}

// Content is what a notification says, shared by direct sends and broadcasts.
type Content struct {
	Title    string   `json:"title" validate:"required,max=200"`
	Body     string   `json:"body" validate:"required,max=2000"`
	Type     Type     `json:"type" validate:"required,oneof=case_updated new_case admin_notice urgent system_maintenance"`
	Priority Priority `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Payload  map[string]any
	// TTL bounds how long delivery may be attempted. Zero means DefaultTTL.
	TTL           time.Duration
	CaseID        *string
	RelatedUserID *string
}

// SendInput addresses content to a single recipient.
type SendInput struct {
	RecipientUserID string
	Content
}

// BroadcastResult summarizes a topic fan-out.
type BroadcastResult struct {
	Topic           string
	Recipients      int
	Created         int
	Failed          int
	NotificationIDs []string
}

// Service creates notification rows and applies client acknowledgements.
type Service struct {
	repo        Repository
	subscribers Subscribers
	devices     TokenDeactivator
	live        LiveNotifier
	maxRetries  int
	logger      zerolog.Logger
	now         func() time.Time
}

// ServiceConfig holds configuration for creating a Service.
type ServiceConfig struct {
	Repository  Repository
	Subscribers Subscribers
	Devices     TokenDeactivator
	// Live is optional.
	Live       LiveNotifier
	MaxRetries int
	Logger     zerolog.Logger
	Now        func() time.Time
}

// NewService creates a new notification service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		repo:        cfg.Repository,
		subscribers: cfg.Subscribers,
		devices:     cfg.Devices,
		live:        cfg.Live,
		maxRetries:  cfg.MaxRetries,
		logger:      cfg.Logger.With().Str("component", "notification").Logger(),
		now:         cfg.Now,
	}
}

// Send creates one notification for one recipient.
func (s *Service) Send(ctx context.Context, in SendInput) (*Notification, error) {
	fieldErrors := models.ValidateStruct(in.Content)
	if in.RecipientUserID == "" {
		fieldErrors = append(fieldErrors, models.FieldError{
			Field:   "recipientUserId",
			Message: "is required",
			Code:    "REQUIRED",
		})
	}
	if len(fieldErrors) > 0 {
		return nil, &ValidationError{Errors: fieldErrors}
	}

	n := s.build(in.RecipientUserID, nil, in.Content, s.now())
	if err := s.repo.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("creating notification: %w", err)
	}
	s.notifyLive(n)

	s.logger.Debug().
		Str("notification_id", n.ID).
		Str("recipient", n.RecipientUserID).
		Str("type", string(n.Type)).
		Msg("notification created")

	return n, nil
}

// Broadcast materializes one notification per subscriber of name. Subscribers
// are resolved once; a failure for one recipient is counted and never stops
// the others.
func (s *Service) Broadcast(ctx context.Context, name string, content Content) (*BroadcastResult, error) {
	var fieldErrors []models.FieldError
	if err := topic.Validate(name); err != nil {
		fieldErrors = append(fieldErrors, models.FieldError{
			Field:   "topic",
			Message: err.Error(),
			Code:    "INVALID_TOPIC",
		})
	}
	fieldErrors = append(fieldErrors, models.ValidateStruct(content)...)
	if len(fieldErrors) > 0 {
		return nil, &ValidationError{Errors: fieldErrors}
	}

	recipients, err := s.subscribers.ListSubscribers(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("resolving subscribers: %w", err)
	}

	result := &BroadcastResult{
		Topic:           name,
		Recipients:      len(recipients),
		NotificationIDs: make([]string, 0, len(recipients)),
	}

	now := s.now()
	for _, userID := range recipients {
		t := name
		n := s.build(userID, &t, content, now)
		if err := s.repo.Create(ctx, n); err != nil {
			result.Failed++
			s.logger.Error().Err(err).
				Str("topic", name).
				Str("recipient", userID).
				Msg("failed to create broadcast notification")
			continue
		}
		result.Created++
		result.NotificationIDs = append(result.NotificationIDs, n.ID)

		if err := s.subscribers.RecordDelivery(ctx, userID, name); err != nil {
			s.logger.Warn().Err(err).
				Str("topic", name).
				Str("recipient", userID).
				Msg("failed to record subscription delivery")
		}
		s.notifyLive(n)
	}

	s.logger.Info().
		Str("topic", name).
		Int("recipients", result.Recipients).
		Int("created", result.Created).
		Int("failed", result.Failed).
		Msg("broadcast fanned out")

	return result, nil
}

// Get returns a notification owned by userID.
func (s *Service) Get(ctx context.Context, userID, id string) (*Notification, error) {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.RecipientUserID != userID {
		return nil, ErrNotificationNotFound
	}
	return n, nil
}

// MarkDelivered records a client delivery ack. Acks for rows already
// delivered or opened are no-ops.
func (s *Service) MarkDelivered(ctx context.Context, userID, id string) (*Notification, error) {
	return s.ack(ctx, userID, id, StatusDelivered)
}

// MarkOpened records a client open ack.
func (s *Service) MarkOpened(ctx context.Context, userID, id string) (*Notification, error) {
	return s.ack(ctx, userID, id, StatusOpened)
}

func (s *Service) ack(ctx context.Context, userID, id string, to Status) (*Notification, error) {
	n, err := s.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if n.Status == to || (to == StatusDelivered && n.Status == StatusOpened) {
		return n, nil
	}
	if err := n.Transition(to, s.now()); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, n); err != nil {
		return nil, fmt.Errorf("updating notification: %w", err)
	}
	return n, nil
}

// ReportHardFailure handles provider feedback that an accepted push can never
// be delivered: the row moves Sent -> Failed and devices holding token are
// deactivated.
func (s *Service) ReportHardFailure(ctx context.Context, id, token, reason string) (*Notification, error) {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if token != "" && s.devices != nil {
		if _, err := s.devices.DeactivateByToken(ctx, token); err != nil {
			return nil, fmt.Errorf("deactivating device: %w", err)
		}
	}

	if n.Status == StatusFailed && !n.RetryPending() {
		return n, nil
	}
	if reason == "" {
		reason = "provider reported hard failure"
	}
	if err := n.Fail(reason, nil, s.now()); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, n); err != nil {
		return nil, fmt.Errorf("updating notification: %w", err)
	}

	s.logger.Info().
		Str("notification_id", n.ID).
		Str("reason", reason).
		Msg("notification failed after provider feedback")

	return n, nil
}

// ListForRecipient returns a page of the recipient's notifications and the
// cursor for the next page ("" when exhausted).
func (s *Service) ListForRecipient(ctx context.Context, userID string, limit int, cursor string) ([]*Notification, string, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	items, err := s.repo.ListByRecipient(ctx, userID, limit+1, cursor)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(items) > limit {
		items = items[:limit]
		next = items[limit-1].ID
	}
	return items, next, nil
}

func (s *Service) build(userID string, name *string, c Content, now time.Time) *Notification {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	priority := c.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	due := now

	return &Notification{
		ID:              "ntf_" + uuid.New().String()[:22],
		RecipientUserID: userID,
		Title:           c.Title,
		Body:            c.Body,
		Type:            c.Type,
		Topic:           name,
		Payload:         copyPayload(c.Payload),
		Priority:        priority,
		Status:          StatusCreated,
		MaxRetries:      s.maxRetries,
		NextAttemptAt:   &due,
		ExpiresAt:       now.Add(ttl),
		CaseID:          c.CaseID,
		RelatedUserID:   c.RelatedUserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (s *Service) notifyLive(n *Notification) {
	if s.live == nil {
		return
	}
	s.live.NotifyUser(n.RecipientUserID, LiveMessage(n))
}

// LiveMessage converts n to its realtime wire form.
func LiveMessage(n *Notification) protocol.Notification {
	msg := protocol.Notification{
		ID:       n.ID,
		Type:     string(n.Type),
		Title:    n.Title,
		Body:     n.Body,
		Priority: string(n.Priority),
		Payload:  n.Payload,
	}
	if n.Topic != nil {
		msg.Topic = *n.Topic
	}
	if n.CaseID != nil {
		msg.CaseID = *n.CaseID
	}
	return msg
}

// IsNotFound reports whether err means the notification does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotificationNotFound)
}

// ToAPI converts a notification to its API representation.
func ToAPI(n *Notification) models.Notification {
	return models.Notification{
		ID:          n.ID,
		Title:       n.Title,
		Body:        n.Body,
		Type:        string(n.Type),
		Topic:       n.Topic,
		Payload:     n.Payload,
		Priority:    string(n.Priority),
		Status:      string(n.Status),
		RetryCount:  n.RetryCount,
		LastError:   n.LastError,
		CaseID:      n.CaseID,
		ExpiresAt:   models.Timestamp(n.ExpiresAt),
		SentAt:      models.TimestampPtr(n.SentAt),
		DeliveredAt: models.TimestampPtr(n.DeliveredAt),
		OpenedAt:    models.TimestampPtr(n.OpenedAt),
		CreatedAt:   models.Timestamp(n.CreatedAt),
	}
}
