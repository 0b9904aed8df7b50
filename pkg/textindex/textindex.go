// Package textindex implements the text index (C2): a path-keyed table
// of (path, content, content_hash, updated_at) supporting full-text and
// prefix search.
package textindex

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuemby/bifrost/pkg/bferrors"
)

// Row is one path's indexed text.
type Row struct {
	Path        string    `db:"path"`
	Content     string    `db:"content"`
	ContentHash string    `db:"content_hash"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Index is the interface for the text index.
type Index interface {
	// Upsert is idempotent; updated_at always advances to now.
	Upsert(ctx context.Context, path, content, contentHash string, now time.Time) error

	// Get returns bferrors.ErrNotFound if path has no row.
	Get(ctx context.Context, path string) (*Row, error)

	Delete(ctx context.Context, path string) error

	// Scan returns up to limit rows whose path starts with prefix,
	// ordered by path.
	Scan(ctx context.Context, prefix string, limit int) ([]Row, error)

	// Search runs a full-text query over content, most relevant first.
	Search(ctx context.Context, query string, limit int) ([]Row, error)
}

// PostgresIndex implements Index on top of Postgres, using a generated
// tsvector column for full-text search and a b-tree index on path for
// prefix scans.
type PostgresIndex struct {
	db *sqlx.DB
}

// NewPostgresIndex wraps an already-connected sqlx handle. Schema
// migration is the caller's responsibility (see pkg/migrate).
func NewPostgresIndex(db *sqlx.DB) *PostgresIndex {
	return &PostgresIndex{db: db}
}

func (idx *PostgresIndex) Upsert(ctx context.Context, path, content, contentHash string, now time.Time) error {
	const q = `
		INSERT INTO text_index (path, content, content_hash, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (path) DO UPDATE SET
			content = EXCLUDED.content,
			content_hash = EXCLUDED.content_hash,
			updated_at = EXCLUDED.updated_at`
	_, err := idx.db.ExecContext(ctx, q, path, content, contentHash, now)
	return err
}

func (idx *PostgresIndex) Get(ctx context.Context, path string) (*Row, error) {
	var row Row
	const q = `SELECT path, content, content_hash, updated_at FROM text_index WHERE path = $1`
	err := idx.db.GetContext(ctx, &row, q, path)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, &bferrors.NotFoundError{Key: path}
		}
		return nil, err
	}
	return &row, nil
}

func (idx *PostgresIndex) Delete(ctx context.Context, path string) error {
	const q = `DELETE FROM text_index WHERE path = $1`
	_, err := idx.db.ExecContext(ctx, q, path)
	return err
}

func (idx *PostgresIndex) Scan(ctx context.Context, prefix string, limit int) ([]Row, error) {
	var rows []Row
	const q = `
		SELECT path, content, content_hash, updated_at FROM text_index
		WHERE path LIKE $1 ESCAPE '\'
		ORDER BY path
		LIMIT $2`
	err := idx.db.SelectContext(ctx, &rows, q, escapeLikePrefix(prefix)+"%", limit)
	return rows, err
}

func (idx *PostgresIndex) Search(ctx context.Context, query string, limit int) ([]Row, error) {
	var rows []Row
	const q = `
		SELECT path, content, content_hash, updated_at FROM text_index
		WHERE content_tsv @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $1)) DESC
		LIMIT $2`
	err := idx.db.SelectContext(ctx, &rows, q, query, limit)
	return rows, err
}

func escapeLikePrefix(prefix string) string {
	r := make([]byte, 0, len(prefix))
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}
