// Package notification creates, fans out and delivers notifications.
//
// One row is materialized per recipient. A row moves through
//
//	created -> sending -> sent -> delivered -> opened
//	                   -> failed
//	                   -> expired_undelivered
//
// A failed row with a next attempt time is waiting for a retry and may be
// claimed again; without one it is terminal.
package notification

import (
	"errors"
	"fmt"
	"time"
)

// Errors.
var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrInvalidTransition    = errors.New("invalid notification status transition")
)

// Status is the delivery state of a notification.
type Status string

const (
	StatusCreated            Status = "created"
	StatusSending            Status = "sending"
	StatusSent               Status = "sent"
	StatusDelivered          Status = "delivered"
	StatusOpened             Status = "opened"
	StatusFailed             Status = "failed"
	StatusExpiredUndelivered Status = "expired_undelivered"
)

// Type classifies a notification.
type Type string

const (
	TypeCaseUpdated       Type = "case_updated"
	TypeNewCase           Type = "new_case"
	TypeAdminNotice       Type = "admin_notice"
	TypeUrgent            Type = "urgent"
	TypeSystemMaintenance Type = "system_maintenance"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeCaseUpdated, TypeNewCase, TypeAdminNotice, TypeUrgent, TypeSystemMaintenance:
		return true
	}
	return false
}

// Priority of a notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusCreated:   {StatusSending},
	StatusSending:   {StatusSent, StatusFailed, StatusExpiredUndelivered},
	StatusSent:      {StatusDelivered, StatusOpened, StatusFailed},
	StatusDelivered: {StatusOpened},
	StatusFailed:    {StatusSending},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Notification is one delivery unit for one recipient.
type Notification struct {
	ID              string
	RecipientUserID string
	Title           string
	Body            string
	Type            Type
	Topic           *string
	Payload         map[string]any
	Priority        Priority
	Status          Status
	RetryCount      int
	MaxRetries      int
	LastError       *string
	// NextAttemptAt is when the row becomes claimable. Nil once terminal.
	NextAttemptAt *time.Time
	ExpiresAt     time.Time
	CaseID        *string
	RelatedUserID *string
	SentAt        *time.Time
	DeliveredAt   *time.Time
	OpenedAt      *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Expired reports whether the notification may no longer be sent at now.
func (n *Notification) Expired(now time.Time) bool {
	return now.After(n.ExpiresAt)
}

// RetryPending reports whether a failed row is waiting for another attempt.
func (n *Notification) RetryPending() bool {
	return n.Status == StatusFailed && n.NextAttemptAt != nil
}

// Transition moves the notification to status to, stamping timestamps.
func (n *Notification) Transition(to Status, at time.Time) error {
	if !CanTransition(n.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, to)
	}
	if n.Status == StatusFailed && !n.RetryPending() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, n.Status)
	}

	switch to {
	case StatusSent:
		n.SentAt = &at
		n.NextAttemptAt = nil
	case StatusDelivered:
		n.DeliveredAt = &at
	case StatusOpened:
		if n.DeliveredAt == nil {
			n.DeliveredAt = &at
		}
		n.OpenedAt = &at
	case StatusFailed, StatusExpiredUndelivered:
		n.NextAttemptAt = nil
	}
	n.Status = to
	n.UpdatedAt = at
	return nil
}

// Fail records reason and moves the notification to failed. When retryAt is
// non-nil the row stays claimable from that time. A row waiting for a retry is
// updated in place, so a nil retryAt makes it terminal.
func (n *Notification) Fail(reason string, retryAt *time.Time, at time.Time) error {
	if n.RetryPending() {
		n.UpdatedAt = at
	} else if err := n.Transition(StatusFailed, at); err != nil {
		return err
	}
	n.LastError = &reason
	n.NextAttemptAt = retryAt
	return nil
}
