package pool

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// PostgresBounds persists each pool's reconciled min/max so a restart
// picks up the last value a resize command set rather than reverting to
// the process's compiled-in defaults.
type PostgresBounds struct {
	db *sqlx.DB
}

// NewPostgresBounds wraps an already-connected sqlx handle.
func NewPostgresBounds(db *sqlx.DB) *PostgresBounds {
	return &PostgresBounds{db: db}
}

// LoadBounds reports found=false when no row exists yet for poolID.
func (b *PostgresBounds) LoadBounds(ctx context.Context, poolID string) (min, max int, found bool, err error) {
	const q = `SELECT min_workers, max_workers FROM pool_bounds WHERE pool_id = $1`
	row := b.db.QueryRowContext(ctx, q, poolID)
	if err := row.Scan(&min, &max); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, false, nil
		}
		return 0, 0, false, err
	}
	return min, max, true, nil
}

// SaveBounds upserts the bounds for poolID.
func (b *PostgresBounds) SaveBounds(ctx context.Context, poolID string, min, max int) error {
	const q = `
		INSERT INTO pool_bounds (pool_id, min_workers, max_workers, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (pool_id) DO UPDATE SET
			min_workers = EXCLUDED.min_workers,
			max_workers = EXCLUDED.max_workers,
			updated_at = now()`
	_, err := b.db.ExecContext(ctx, q, poolID, min, max)
	return err
}
