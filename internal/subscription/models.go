// Package subscription stores which users are interested in which topics.
//
// Subscriptions are keyed by (user, topic) and are toggled rather than deleted,
// so delivery counters survive an unsubscribe/resubscribe cycle.
package subscription

import (
	"errors"
	"time"

	"github.com/searchlight/searchlight/internal/api/models"
)

// Repository errors.
var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrCustomTopicNotFound  = errors.New("custom topic not found")
)

// Subscription reasons.
const (
	ReasonAuto          = "auto"
	ReasonUserRequested = "user-requested"
	ReasonCaseFollow    = "case-follow"
)

// Subscription is a user's interest in a topic.
type Subscription struct {
	ID                   string
	UserID               string
	Topic                string
	IsSubscribed         bool
	Reason               string
	NotificationCount    int64
	LastNotificationSent *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CustomTopic is an explicitly created topic outside the derived namespace.
type CustomTopic struct {
	Name      string
	CreatedBy string
	CreatedAt time.Time
}

// ValidationError represents subscription validation errors.
type ValidationError struct {
	Errors []models.FieldError
}

func (e *ValidationError) Error() string {
	return "validation failed"
}
