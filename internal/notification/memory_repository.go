package notification

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation of Repository.
// This is intended for testing. Production should use the PostgreSQL implementation.
type InMemoryRepository struct {
	mu   sync.Mutex
	rows map[string]*Notification
	seq  map[string]int64 // insertion order for stable listing
	next int64
}

// NewInMemoryRepository creates a new in-memory notification repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		rows: make(map[string]*Notification),
		seq:  make(map[string]int64),
	}
}

// Create inserts a new notification.
func (r *InMemoryRepository) Create(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.rows[n.ID] = copyNotification(n)
	r.seq[n.ID] = r.next
	return nil
}

// Get retrieves a notification by ID.
func (r *InMemoryRepository) Get(_ context.Context, id string) (*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.rows[id]
	if !ok {
		return nil, ErrNotificationNotFound
	}
	return copyNotification(n), nil
}

// Update persists n.
func (r *InMemoryRepository) Update(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[n.ID]; !ok {
		return ErrNotificationNotFound
	}
	r.rows[n.ID] = copyNotification(n)
	return nil
}

// ClaimDue moves due rows to sending, oldest due first.
func (r *InMemoryRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*Notification
	for _, n := range r.rows {
		claimable := n.Status == StatusCreated || n.RetryPending()
		if claimable && n.NextAttemptAt != nil && !n.NextAttemptAt.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(*due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt)
		}
		return r.seq[due[i].ID] < r.seq[due[j].ID]
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Notification, 0, len(due))
	for _, n := range due {
		n.Status = StatusSending
		n.UpdatedAt = now
		out = append(out, copyNotification(n))
	}
	return out, nil
}

// RequeueStale recovers rows abandoned in sending.
func (r *InMemoryRepository) RequeueStale(_ context.Context, cutoff, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, n := range r.rows {
		if n.Status != StatusSending || !n.UpdatedAt.Before(cutoff) {
			continue
		}
		reason := errAbandoned
		n.RetryCount++
		n.Status = StatusFailed
		n.NextAttemptAt = nil
		if n.RetryCount < n.MaxRetries {
			retryAt := now
			n.NextAttemptAt = &retryAt
		}
		n.LastError = &reason
		n.UpdatedAt = now
		count++
	}
	return count, nil
}

// ListByRecipient returns a recipient's notifications, newest first.
func (r *InMemoryRepository) ListByRecipient(_ context.Context, userID string, limit int, cursor string) ([]*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rows []*Notification
	for _, n := range r.rows {
		if n.RecipientUserID == userID {
			rows = append(rows, n)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return r.seq[rows[i].ID] > r.seq[rows[j].ID] })

	if cursor != "" {
		cursorSeq, ok := r.seq[cursor]
		if !ok {
			return nil, nil
		}
		start := len(rows)
		for i, n := range rows {
			if r.seq[n.ID] < cursorSeq {
				start = i
				break
			}
		}
		rows = rows[start:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]*Notification, 0, len(rows))
	for _, n := range rows {
		out = append(out, copyNotification(n))
	}
	return out, nil
}

func copyNotification(n *Notification) *Notification {
	out := *n
	out.Topic = copyPtr(n.Topic)
	out.LastError = copyPtr(n.LastError)
	out.CaseID = copyPtr(n.CaseID)
	out.RelatedUserID = copyPtr(n.RelatedUserID)
	out.NextAttemptAt = copyPtr(n.NextAttemptAt)
	out.SentAt = copyPtr(n.SentAt)
	out.DeliveredAt = copyPtr(n.DeliveredAt)
	out.OpenedAt = copyPtr(n.OpenedAt)
	out.Payload = copyPayload(n.Payload)
	return &out
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
