package subscription

import (
	"context"
	"time"
)

// Repository defines the interface for subscription persistence.
type Repository interface {
	// Get retrieves the subscription for (userID, topic).
	Get(ctx context.Context, userID, topic string) (*Subscription, error)

	// ListByUser retrieves every subscription row of a user, subscribed or not.
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)

	// ListSubscriberIDs returns the users currently subscribed to topic.
	ListSubscriberIDs(ctx context.Context, topic string) ([]string, error)

	// Upsert creates the subscription or flips an existing one back on,
	// overwriting its reason. Counters of an existing row are preserved and
	// written back into sub. Returns true if a new row was created.
	Upsert(ctx context.Context, sub *Subscription) (bool, error)

	// SetSubscribed toggles the isSubscribed flag.
	SetSubscribed(ctx context.Context, userID, topic string, subscribed bool, at time.Time) error

	// RecordDelivery increments the notification counter and stamps
	// lastNotificationSent.
	RecordDelivery(ctx context.Context, userID, topic string, at time.Time) error

	// CreateCustomTopic registers a custom topic. Returns false if it already existed.
	CreateCustomTopic(ctx context.Context, ct *CustomTopic) (bool, error)

	// GetCustomTopic retrieves a custom topic by name.
	GetCustomTopic(ctx context.Context, name string) (*CustomTopic, error)
}

var (
	_ Repository = (*InMemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
