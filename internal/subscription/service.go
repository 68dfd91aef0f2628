package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/searchlight/searchlight/internal/api/models"
	"github.com/searchlight/searchlight/internal/directory"
	"github.com/searchlight/searchlight/internal/topic"
)

// Service provides subscription store operations.
type Service struct {
	repo      Repository
	directory directory.Directory
	logger    zerolog.Logger
	now       func() time.Time
}

// ServiceConfig holds configuration for the subscription service.
type ServiceConfig struct {
	Repository Repository
	Directory  directory.Directory
	Logger     zerolog.Logger
	// Now overrides the time source. Defaults to time.Now.
	Now func() time.Time
}

// NewService creates a new subscription service.
func NewService(cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:      cfg.Repository,
		directory: cfg.Directory,
		logger:    cfg.Logger.With().Str("component", "subscription").Logger(),
		now:       now,
	}
}

// Subscribe subscribes userID to name. An existing row is re-enabled and its
// reason replaced; its counters are left untouched.
func (s *Service) Subscribe(ctx context.Context, userID, name, reason string) (*Subscription, error) {
	if err := s.checkTopic(ctx, name); err != nil {
		return nil, &ValidationError{Errors: []models.FieldError{topicFieldError("topic", name, err)}}
	}
	return s.upsert(ctx, userID, name, reason)
}

// SubscribeMany subscribes userID to every topic in names. All names are
// validated before any row is written.
func (s *Service) SubscribeMany(ctx context.Context, userID string, names []string, reason string) ([]*Subscription, error) {
	var fieldErrors []models.FieldError
	for i, name := range names {
		if err := s.checkTopic(ctx, name); err != nil {
			fieldErrors = append(fieldErrors, topicFieldError(fmt.Sprintf("topics[%d]", i), name, err))
		}
	}
	if len(fieldErrors) > 0 {
		return nil, &ValidationError{Errors: fieldErrors}
	}

	subs := make([]*Subscription, 0, len(names))
	for _, name := range names {
		sub, err := s.upsert(ctx, userID, name, reason)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// AutoSubscribe subscribes a user to the default topics of their role.
func (s *Service) AutoSubscribe(ctx context.Context, userID string) ([]*Subscription, error) {
	user, err := s.directory.Lookup(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("looking up user role: %w", err)
	}

	topics := topic.DefaultTopics(user.Role)
	subs := make([]*Subscription, 0, len(topics))
	for _, name := range topics {
		sub, err := s.upsert(ctx, userID, name, ReasonAuto)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("role", user.Role).
		Int("topics", len(subs)).
		Msg("auto-subscribed user to role topics")

	return subs, nil
}

// Unsubscribe turns a subscription off. Counters are preserved.
func (s *Service) Unsubscribe(ctx context.Context, userID, name string) error {
	return s.repo.SetSubscribed(ctx, userID, name, false, s.now())
}

// ListByUser returns every subscription row of a user.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	return s.repo.ListByUser(ctx, userID)
}

// ListSubscribers returns the active users subscribed to name.
func (s *Service) ListSubscribers(ctx context.Context, name string) ([]string, error) {
	ids, err := s.repo.ListSubscriberIDs(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("listing subscribers: %w", err)
	}
	if len(ids) == 0 {
		return ids, nil
	}

	active, err := s.directory.ActiveUsers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("filtering active users: %w", err)
	}
	return active, nil
}

// RecordDelivery counts one fan-out leg for (userID, name).
func (s *Service) RecordDelivery(ctx context.Context, userID, name string) error {
	return s.repo.RecordDelivery(ctx, userID, name, s.now())
}

// CreateCustomTopic registers custom_<slug>. Creating an existing topic returns
// the stored one.
func (s *Service) CreateCustomTopic(ctx context.Context, slug, createdBy string) (*CustomTopic, error) {
	name := topic.Custom(slug)
	if err := topic.Validate(name); err != nil {
		return nil, &ValidationError{Errors: []models.FieldError{topicFieldError("slug", slug, err)}}
	}

	ct := &CustomTopic{Name: name, CreatedBy: createdBy, CreatedAt: s.now()}
	created, err := s.repo.CreateCustomTopic(ctx, ct)
	if err != nil {
		return nil, fmt.Errorf("creating custom topic: %w", err)
	}
	if created {
		s.logger.Info().Str("topic", name).Str("created_by", createdBy).Msg("custom topic created")
	}
	return ct, nil
}

func (s *Service) upsert(ctx context.Context, userID, name, reason string) (*Subscription, error) {
	if reason == "" {
		reason = ReasonUserRequested
	}

	now := s.now()
	sub := &Subscription{
		ID:        "sub_" + uuid.New().String()[:22],
		UserID:    userID,
		Topic:     name,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.repo.Upsert(ctx, sub); err != nil {
		return nil, fmt.Errorf("upserting subscription: %w", err)
	}
	return sub, nil
}

// checkTopic accepts registry names and custom topics that have been created.
func (s *Service) checkTopic(ctx context.Context, name string) error {
	if err := topic.Validate(name); err != nil {
		return err
	}
	if !topic.IsCustom(name) {
		return nil
	}
	if _, err := s.repo.GetCustomTopic(ctx, name); err != nil {
		if errors.Is(err, ErrCustomTopicNotFound) {
			return err
		}
		return fmt.Errorf("checking custom topic: %w", err)
	}
	return nil
}

func topicFieldError(field, value string, err error) models.FieldError {
	code := "INVALID_TOPIC"
	msg := fmt.Sprintf("%q is not a valid topic", value)
	if errors.Is(err, ErrCustomTopicNotFound) {
		code = "UNKNOWN_TOPIC"
		msg = fmt.Sprintf("custom topic %q does not exist", value)
	}
	return models.FieldError{Field: field, Message: msg, Code: code}
}

// ToAPI converts a domain Subscription to an API TopicSubscription.
func ToAPI(sub *Subscription) models.TopicSubscription {
	out := models.TopicSubscription{
		Topic:             sub.Topic,
		IsSubscribed:      sub.IsSubscribed,
		Reason:            sub.Reason,
		NotificationCount: sub.NotificationCount,
		CreatedAt:         models.Timestamp(sub.CreatedAt),
		UpdatedAt:         models.Timestamp(sub.UpdatedAt),
	}
	if sub.LastNotificationSent != nil {
		out.LastNotificationSent = models.TimestampPtr(sub.LastNotificationSent)
	}
	return out
}

// CustomTopicToAPI converts a domain CustomTopic to its API form.
func CustomTopicToAPI(ct *CustomTopic) models.CustomTopic {
	return models.CustomTopic{
		Name:      ct.Name,
		CreatedBy: ct.CreatedBy,
		CreatedAt: models.Timestamp(ct.CreatedAt),
	}
}
