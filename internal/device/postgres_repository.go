package device

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

// NewPostgresRepository creates a new PostgreSQL device repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const deviceColumns = `id, user_id, endpoint_id, platform, token, app_version, device_model, os_version, build,
		topics, is_active, last_seen_at, created_at, updated_at`

// Get retrieves a device by ID.
func (r *PostgresRepository) Get(ctx context.Context, deviceID string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	return r.scanOne(ctx, query, deviceID)
}

// GetByEndpoint retrieves a device by (user, endpoint).
func (r *PostgresRepository) GetByEndpoint(ctx context.Context, userID, endpointID string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 AND endpoint_id = $2`
	return r.scanOne(ctx, query, userID, endpointID)
}

// ListByUser retrieves all devices for a user.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID string) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 ORDER BY created_at DESC`
	return r.scanMany(ctx, query, userID)
}

// ListActiveByUser retrieves the active devices for a user.
func (r *PostgresRepository) ListActiveByUser(ctx context.Context, userID string) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 AND is_active ORDER BY created_at DESC`
	return r.scanMany(ctx, query, userID)
}

// Upsert creates or updates a device keyed by (user_id, endpoint_id).
// Returns true if a new device was created, false if updated.
func (r *PostgresRepository) Upsert(ctx context.Context, device *Device) (bool, error) {
	// The unique index on (user_id, endpoint_id) makes concurrent registrations
	// from the same endpoint converge on one row.
	query := `
		INSERT INTO devices (id, user_id, endpoint_id, platform, token, app_version, device_model, os_version, build,
			topics, is_active, last_seen_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '{}', TRUE, $10, $11, $12)
		ON CONFLICT (user_id, endpoint_id) DO UPDATE SET
			platform = EXCLUDED.platform,
			token = EXCLUDED.token,
			app_version = EXCLUDED.app_version,
			device_model = EXCLUDED.device_model,
			os_version = EXCLUDED.os_version,
			build = EXCLUDED.build,
			is_active = TRUE,
			last_seen_at = EXCLUDED.last_seen_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id, topics, created_at, (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		device.ID,
		device.UserID,
		device.EndpointID,
		device.Platform,
		device.Token,
		device.AppVersion,
		device.Metadata.Model,
		device.Metadata.OSVersion,
		device.Metadata.Build,
		device.LastSeenAt,
		device.CreatedAt,
		device.UpdatedAt,
	).Scan(&device.ID, &device.Topics, &device.CreatedAt, &inserted)
	if err != nil {
		return false, err
	}

	device.IsActive = true
	return inserted, nil
}

// Deactivate marks a device inactive. It is a no-op for inactive devices.
func (r *PostgresRepository) Deactivate(ctx context.Context, deviceID string, at time.Time) error {
	query := `
		UPDATE devices SET
			is_active = FALSE,
			updated_at = CASE WHEN is_active THEN $2 ELSE updated_at END
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, deviceID, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// DeactivateByToken marks every active device holding token inactive.
func (r *PostgresRepository) DeactivateByToken(ctx context.Context, token string, at time.Time) (int, error) {
	query := `UPDATE devices SET is_active = FALSE, updated_at = $2 WHERE token = $1 AND is_active`

	result, err := r.pool.Exec(ctx, query, token, at)
	if err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}

// Touch updates LastSeenAt.
func (r *PostgresRepository) Touch(ctx context.Context, deviceID string, at time.Time) error {
	result, err := r.pool.Exec(ctx, `UPDATE devices SET last_seen_at = $2 WHERE id = $1`, deviceID, at)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// SetTopics replaces the mirrored topic list.
func (r *PostgresRepository) SetTopics(ctx context.Context, deviceID string, topics []string, at time.Time) error {
	if topics == nil {
		topics = []string{}
	}
	result, err := r.pool.Exec(ctx,
		`UPDATE devices SET topics = $2, updated_at = $3 WHERE id = $1`,
		deviceID, topics, at,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *PostgresRepository) scanOne(ctx context.Context, query string, args ...interface{}) (*Device, error) {
	d, err := scanDevice(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return d, nil
}

func (r *PostgresRepository) scanMany(ctx context.Context, query string, args ...interface{}) ([]*Device, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return devices, nil
}

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.EndpointID,
		&d.Platform,
		&d.Token,
		&d.AppVersion,
		&d.Metadata.Model,
		&d.Metadata.OSVersion,
		&d.Metadata.Build,
		&d.Topics,
		&d.IsActive,
		&d.LastSeenAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
