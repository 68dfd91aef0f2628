package notification

import (
	"context"
	"time"
)

// Repository defines the interface for notification persistence.
type Repository interface {
	// Create inserts a new notification.
	Create(ctx context.Context, n *Notification) error

	// Get retrieves a notification by ID.
	Get(ctx context.Context, id string) (*Notification, error)

	// Update persists the mutable fields of n.
	Update(ctx context.Context, n *Notification) error

	// ClaimDue atomically moves up to limit claimable rows (created, or failed
	// with a due retry) to sending and returns them. Concurrent callers never
	// receive the same row.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error)

	// RequeueStale counts an attempt for every row stuck in sending since
	// before cutoff. Rows with retries left become retry-pending failures due
	// at now, the rest become terminal failures.
	RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error)

	// ListByRecipient returns a recipient's notifications, newest first,
	// starting after the cursor ID when non-empty.
	ListByRecipient(ctx context.Context, userID string, limit int, cursor string) ([]*Notification, error)
}

var (
	_ Repository = (*InMemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
