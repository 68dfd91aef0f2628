package changefeed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads snapshots from the entity_versions view maintained by
// the record store.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates a snapshot source backed by PostgreSQL.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Snapshot returns every version row of class, tombstones included. The
// result is always complete.
func (s *PostgresSource) Snapshot(ctx context.Context, class EntityClass) (*Snapshot, error) {
	if !class.Valid() {
		return nil, ErrUnknownClass
	}

	query := `
		SELECT entity_id, payload, watermark, deleted
		FROM entity_versions
		WHERE entity_class = $1
		ORDER BY entity_id
	`

	rows, err := s.pool.Query(ctx, query, string(class))
	if err != nil {
		return nil, fmt.Errorf("querying entity versions: %w", err)
	}
	defer rows.Close()

	snap := &Snapshot{EntityClass: class, Entities: []Entity{}, Complete: true}
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.ID, &e.Payload, &e.Watermark, &e.Deleted); err != nil {
			return nil, fmt.Errorf("scanning entity version: %w", err)
		}
		if e.Deleted {
			e.Payload = nil
		}
		snap.Entities = append(snap.Entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

var _ SnapshotSource = (*PostgresSource)(nil)
