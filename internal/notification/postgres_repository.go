package notification

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL notification repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

var notificationColumnNames = []string{
	"id", "recipient_user_id", "title", "body", "type", "topic", "payload", "priority", "status",
	"retry_count", "max_retries", "last_error", "next_attempt_at", "expires_at", "case_id",
	"related_user_id", "sent_at", "delivered_at", "opened_at", "created_at", "updated_at",
}

var notificationColumns = strings.Join(notificationColumnNames, ", ")

func prefixedColumns(alias string) string {
	cols := make([]string, len(notificationColumnNames))
	for i, c := range notificationColumnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// Create inserts a new notification.
func (r *PostgresRepository) Create(ctx context.Context, n *Notification) error {
	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	_, err := r.pool.Exec(ctx, query,
		n.ID,
		n.RecipientUserID,
		n.Title,
		n.Body,
		n.Type,
		n.Topic,
		n.Payload,
		n.Priority,
		n.Status,
		n.RetryCount,
		n.MaxRetries,
		n.LastError,
		n.NextAttemptAt,
		n.ExpiresAt,
		n.CaseID,
		n.RelatedUserID,
		n.SentAt,
		n.DeliveredAt,
		n.OpenedAt,
		n.CreatedAt,
		n.UpdatedAt,
	)
	return err
}

// Get retrieves a notification by ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotificationNotFound
		}
		return nil, err
	}
	return n, nil
}

// Update persists the mutable fields of n.
func (r *PostgresRepository) Update(ctx context.Context, n *Notification) error {
	query := `
		UPDATE notifications SET
			status = $2,
			retry_count = $3,
			last_error = $4,
			next_attempt_at = $5,
			sent_at = $6,
			delivered_at = $7,
			opened_at = $8,
			updated_at = $9
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query,
		n.ID,
		n.Status,
		n.RetryCount,
		n.LastError,
		n.NextAttemptAt,
		n.SentAt,
		n.DeliveredAt,
		n.OpenedAt,
		n.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// ClaimDue moves due rows to sending. SKIP LOCKED lets several workers claim
// disjoint batches concurrently.
func (r *PostgresRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Notification, error) {
	query := `
		WITH due AS (
			SELECT id FROM notifications
			WHERE (status = 'created' OR (status = 'failed' AND next_attempt_at IS NOT NULL))
				AND next_attempt_at <= $1
			ORDER BY next_attempt_at, created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notifications n SET status = 'sending', updated_at = $1
		FROM due
		WHERE n.id = due.id
		RETURNING ` + prefixedColumns("n")

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claimed []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, n)
	}
	return claimed, rows.Err()
}

// RequeueStale recovers rows abandoned in sending by a crashed worker.
func (r *PostgresRepository) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	query := `
		UPDATE notifications SET
			status = 'failed',
			retry_count = retry_count + 1,
			next_attempt_at = CASE WHEN retry_count + 1 < max_retries THEN $2::timestamptz END,
			last_error = $3,
			updated_at = $2
		WHERE status = 'sending' AND updated_at < $1
	`

	result, err := r.pool.Exec(ctx, query, cutoff, now, errAbandoned)
	if err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}

// ListByRecipient returns a recipient's notifications, newest first.
func (r *PostgresRepository) ListByRecipient(ctx context.Context, userID string, limit int, cursor string) ([]*Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE recipient_user_id = $1
			AND ($3 = '' OR (created_at, id) < (SELECT created_at, id FROM notifications WHERE id = $3))
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, cursor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.RecipientUserID,
		&n.Title,
		&n.Body,
		&n.Type,
		&n.Topic,
		&n.Payload,
		&n.Priority,
		&n.Status,
		&n.RetryCount,
		&n.MaxRetries,
		&n.LastError,
		&n.NextAttemptAt,
		&n.ExpiresAt,
		&n.CaseID,
		&n.RelatedUserID,
		&n.SentAt,
		&n.DeliveredAt,
		&n.OpenedAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
