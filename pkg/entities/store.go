// Package entities implements the entity indexer (C5): upserting
// workflow/tool/data-provider, form, and agent records, resolving
// cross-references, and soft-deactivating removed entities.
package entities

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuemby/bifrost/pkg/bferrors"
	"github.com/cuemby/bifrost/pkg/types"
)

// entityRow is the sqlx scan target for the entities table; JSONB columns
// are scanned as raw bytes and decoded separately.
type entityRow struct {
	ID               string    `db:"id"`
	Name             string    `db:"name"`
	FunctionSymbol   string    `db:"function_symbol"`
	Path             string    `db:"path"`
	Kind             string    `db:"kind"`
	Description      string    `db:"description"`
	Category         string    `db:"category"`
	Tags             []byte    `db:"tags"`
	ParametersSchema []byte    `db:"parameters_schema"`
	EndpointEnabled  bool      `db:"endpoint_enabled"`
	AllowedMethods   []byte    `db:"allowed_methods"`
	ExecutionMode    string    `db:"execution_mode"`
	TimeoutSeconds   int       `db:"timeout_seconds"`
	CacheTTLSeconds  int       `db:"cache_ttl_seconds"`
	IsActive         bool      `db:"is_active"`
	IsOrphaned       bool      `db:"is_orphaned"`
	LastSeenAt       time.Time `db:"last_seen_at"`
	CreatedAt        time.Time `db:"created_at"`
}

func (r *entityRow) toEntity() (*types.Entity, error) {
	var tags []string
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	var params []types.ParameterSpec
	if len(r.ParametersSchema) > 0 {
		if err := json.Unmarshal(r.ParametersSchema, &params); err != nil {
			return nil, fmt.Errorf("decode parameters_schema: %w", err)
		}
	}
	var methods []string
	if len(r.AllowedMethods) > 0 {
		if err := json.Unmarshal(r.AllowedMethods, &methods); err != nil {
			return nil, fmt.Errorf("decode allowed_methods: %w", err)
		}
	}

	return &types.Entity{
		ID:               r.ID,
		Name:             r.Name,
		FunctionSymbol:   r.FunctionSymbol,
		Path:             r.Path,
		Kind:             types.EntityKind(r.Kind),
		Description:      r.Description,
		Category:         r.Category,
		Tags:             tags,
		ParametersSchema: params,
		EndpointEnabled:  r.EndpointEnabled,
		AllowedMethods:   methods,
		ExecutionMode:    types.ExecutionMode(r.ExecutionMode),
		TimeoutSeconds:   r.TimeoutSeconds,
		CacheTTLSeconds:  r.CacheTTLSeconds,
		IsActive:         r.IsActive,
		IsOrphaned:       r.IsOrphaned,
		LastSeenAt:       r.LastSeenAt,
		CreatedAt:        r.CreatedAt,
	}, nil
}

// Store is the Postgres-backed persistence layer for entities.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an already-connected sqlx handle.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// GetByIdentity looks up an entity by its (path, function_symbol) upsert key.
func (s *Store) GetByIdentity(ctx context.Context, path, functionSymbol string) (*types.Entity, error) {
	var row entityRow
	const q = `SELECT * FROM entities WHERE path = $1 AND function_symbol = $2`
	if err := s.db.GetContext(ctx, &row, q, path, functionSymbol); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &bferrors.NotFoundError{Key: path + "#" + functionSymbol}
		}
		return nil, err
	}
	return row.toEntity()
}

// GetByID looks up a single entity by its stable id.
func (s *Store) GetByID(ctx context.Context, id string) (*types.Entity, error) {
	var row entityRow
	const q = `SELECT * FROM entities WHERE id = $1`
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &bferrors.NotFoundError{Key: id}
		}
		return nil, err
	}
	return row.toEntity()
}

// ListActiveByPath returns every active entity declared at path.
func (s *Store) ListActiveByPath(ctx context.Context, path string) ([]*types.Entity, error) {
	var rows []entityRow
	const q = `SELECT * FROM entities WHERE path = $1 AND is_active = TRUE`
	if err := s.db.SelectContext(ctx, &rows, q, path); err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

// GetActiveByName returns the active workflow entity with the given
// display name, used to resolve Form.linked_workflow by name.
func (s *Store) GetActiveByName(ctx context.Context, name string) (*types.Entity, error) {
	var rows []entityRow
	const q = `SELECT * FROM entities WHERE name = $1 AND is_active = TRUE LIMIT 2`
	if err := s.db.SelectContext(ctx, &rows, q, name); err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, &bferrors.NotFoundError{Key: name}
	}
	return rows[0].toEntity()
}

func decodeRows(rows []entityRow) ([]*types.Entity, error) {
	out := make([]*types.Entity, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntity()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Upsert inserts or updates an entity keyed by (path, function_symbol),
// preserving id on conflict. Returns the resulting entity with its id.
func (s *Store) Upsert(ctx context.Context, e *types.Entity) (*types.Entity, error) {
	tags, err := json.Marshal(nonNilStrings(e.Tags))
	if err != nil {
		return nil, err
	}
	params, err := json.Marshal(nonNilParams(e.ParametersSchema))
	if err != nil {
		return nil, err
	}
	methods, err := json.Marshal(nonNilStrings(e.AllowedMethods))
	if err != nil {
		return nil, err
	}

	const q = `
		INSERT INTO entities (
			id, name, function_symbol, path, kind, description, category, tags,
			parameters_schema, endpoint_enabled, allowed_methods, execution_mode,
			timeout_seconds, cache_ttl_seconds, is_active, is_orphaned, last_seen_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, TRUE, FALSE, $15
		)
		ON CONFLICT (path, function_symbol) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			tags = EXCLUDED.tags,
			parameters_schema = EXCLUDED.parameters_schema,
			endpoint_enabled = EXCLUDED.endpoint_enabled,
			allowed_methods = EXCLUDED.allowed_methods,
			execution_mode = EXCLUDED.execution_mode,
			timeout_seconds = EXCLUDED.timeout_seconds,
			cache_ttl_seconds = EXCLUDED.cache_ttl_seconds,
			is_active = TRUE,
			is_orphaned = FALSE,
			last_seen_at = EXCLUDED.last_seen_at
		RETURNING id, created_at`

	var result struct {
		ID        string    `db:"id"`
		CreatedAt time.Time `db:"created_at"`
	}
	err = s.db.GetContext(ctx, &result, q,
		e.ID, e.Name, e.FunctionSymbol, e.Path, string(e.Kind), e.Description, e.Category, tags,
		params, e.EndpointEnabled, methods, string(e.ExecutionMode),
		e.TimeoutSeconds, e.CacheTTLSeconds, e.LastSeenAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert entity %s#%s: %w", e.Path, e.FunctionSymbol, err)
	}

	out := *e
	out.ID = result.ID
	out.CreatedAt = result.CreatedAt
	out.IsActive = true
	out.IsOrphaned = false
	return &out, nil
}

// RenameFunctionSymbol rewrites the function_symbol of an existing entity
// in place, preserving its id (the rename-with-identity path of C6).
func (s *Store) RenameFunctionSymbol(ctx context.Context, id, newFunctionSymbol string) error {
	const q = `UPDATE entities SET function_symbol = $2 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, newFunctionSymbol)
	return err
}

// DeactivateMissing marks every active entity at path whose
// function_symbol is not in keep as inactive+orphaned (soft-delete via
// update, avoiding lock contention with concurrent upserts).
func (s *Store) DeactivateMissing(ctx context.Context, path string, keep []string) (int, error) {
	keepJSON, err := json.Marshal(nonNilStrings(keep))
	if err != nil {
		return 0, err
	}
	const q = `
		UPDATE entities
		SET is_active = FALSE, is_orphaned = TRUE
		WHERE path = $1 AND is_active = TRUE
		  AND NOT (function_symbol = ANY (SELECT jsonb_array_elements_text($2::jsonb)))`
	res, err := s.db.ExecContext(ctx, q, path, keepJSON)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeactivateAllAtPath marks every active entity at path as inactive+orphaned.
func (s *Store) DeactivateAllAtPath(ctx context.Context, path string) (int, error) {
	const q = `UPDATE entities SET is_active = FALSE, is_orphaned = TRUE WHERE path = $1 AND is_active = TRUE`
	res, err := s.db.ExecContext(ctx, q, path)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListAllActivePaths returns the distinct paths with at least one active entity.
func (s *Store) ListAllActivePaths(ctx context.Context) ([]string, error) {
	var paths []string
	const q = `SELECT DISTINCT path FROM entities WHERE is_active = TRUE`
	err := s.db.SelectContext(ctx, &paths, q)
	return paths, err
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilParams(p []types.ParameterSpec) []types.ParameterSpec {
	if p == nil {
		return []types.ParameterSpec{}
	}
	return p
}
