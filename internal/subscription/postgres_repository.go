package subscription

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL subscription repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const subscriptionColumns = `id, user_id, topic, is_subscribed, reason, notification_count,
		last_notification_sent, created_at, updated_at`

// Get retrieves the subscription for (userID, topic).
func (r *PostgresRepository) Get(ctx context.Context, userID, topic string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM topic_subscriptions WHERE user_id = $1 AND topic = $2`

	s, err := scanSubscription(r.pool.QueryRow(ctx, query, userID, topic))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return s, nil
}

// ListByUser retrieves every subscription row of a user.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM topic_subscriptions WHERE user_id = $1 ORDER BY topic`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ListSubscriberIDs returns the users subscribed to topic.
func (r *PostgresRepository) ListSubscriberIDs(ctx context.Context, topic string) ([]string, error) {
	query := `SELECT user_id FROM topic_subscriptions WHERE topic = $1 AND is_subscribed ORDER BY user_id`

	rows, err := r.pool.Query(ctx, query, topic)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Upsert creates or re-enables a subscription keyed by (user_id, topic).
func (r *PostgresRepository) Upsert(ctx context.Context, sub *Subscription) (bool, error) {
	query := `
		INSERT INTO topic_subscriptions (id, user_id, topic, is_subscribed, reason, notification_count,
			created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, 0, $5, $6)
		ON CONFLICT (user_id, topic) DO UPDATE SET
			is_subscribed = TRUE,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
		RETURNING id, notification_count, last_notification_sent, created_at, (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		sub.ID,
		sub.UserID,
		sub.Topic,
		sub.Reason,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Scan(&sub.ID, &sub.NotificationCount, &sub.LastNotificationSent, &sub.CreatedAt, &inserted)
	if err != nil {
		return false, err
	}

	sub.IsSubscribed = true
	return inserted, nil
}

// SetSubscribed toggles the isSubscribed flag.
func (r *PostgresRepository) SetSubscribed(ctx context.Context, userID, topic string, subscribed bool, at time.Time) error {
	query := `
		UPDATE topic_subscriptions SET
			is_subscribed = $3,
			updated_at = CASE WHEN is_subscribed <> $3 THEN $4 ELSE updated_at END
		WHERE user_id = $1 AND topic = $2
	`

	result, err := r.pool.Exec(ctx, query, userID, topic, subscribed, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// RecordDelivery increments the delivery counter.
func (r *PostgresRepository) RecordDelivery(ctx context.Context, userID, topic string, at time.Time) error {
	query := `
		UPDATE topic_subscriptions SET
			notification_count = notification_count + 1,
			last_notification_sent = $3,
			updated_at = $3
		WHERE user_id = $1 AND topic = $2
	`

	result, err := r.pool.Exec(ctx, query, userID, topic, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// CreateCustomTopic registers a custom topic.
func (r *PostgresRepository) CreateCustomTopic(ctx context.Context, ct *CustomTopic) (bool, error) {
	query := `
		INSERT INTO custom_topics (name, created_by, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING created_by, created_at, (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.pool.QueryRow(ctx, query, ct.Name, ct.CreatedBy, ct.CreatedAt).
		Scan(&ct.CreatedBy, &ct.CreatedAt, &inserted)
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// GetCustomTopic retrieves a custom topic by name.
func (r *PostgresRepository) GetCustomTopic(ctx context.Context, name string) (*CustomTopic, error) {
	query := `SELECT name, created_by, created_at FROM custom_topics WHERE name = $1`

	var ct CustomTopic
	err := r.pool.QueryRow(ctx, query, name).Scan(&ct.Name, &ct.CreatedBy, &ct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCustomTopicNotFound
		}
		return nil, err
	}
	return &ct, nil
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Topic,
		&s.IsSubscribed,
		&s.Reason,
		&s.NotificationCount,
		&s.LastNotificationSent,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
