package directory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads the users table maintained by the account service.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory creates a new PostgreSQL-backed directory.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

// Lookup returns the user with the given ID.
func (d *PostgresDirectory) Lookup(ctx context.Context, userID string) (*User, error) {
	query := `SELECT id, role, is_active FROM users WHERE id = $1`

	var u User
	err := d.pool.QueryRow(ctx, query, userID).Scan(&u.ID, &u.Role, &u.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

// ActiveUsers filters userIDs down to active accounts, preserving input order.
func (d *PostgresDirectory) ActiveUsers(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	query := `SELECT id FROM users WHERE id = ANY($1) AND is_active`

	rows, err := d.pool.Query(ctx, query, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	active := make(map[string]struct{}, len(userIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		active[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]string, 0, len(active))
	for _, id := range userIDs {
		if _, ok := active[id]; ok {
			result = append(result, id)
		}
	}
	return result, nil
}

var _ Directory = (*PostgresDirectory)(nil)
