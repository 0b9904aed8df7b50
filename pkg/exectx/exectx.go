// Package exectx implements the execution context store (C8): a
// Redis-backed, TTL-bounded record of the parameters and deadline a
// running execution was launched with, readable by the worker process
// that picked it up and any data-provider call it makes along the way.
package exectx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuemby/bifrost/pkg/bferrors"
	"github.com/cuemby/bifrost/pkg/types"
)

// defaultTTL matches the original implementation's execution context
// lifetime: long enough to outlive any single execution's timeout.
const defaultTTL = 3600 * time.Second

// Store is a Redis-backed execution context store.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New wraps an already-connected Redis client with the default TTL.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, ttl: defaultTTL}
}

// WithTTL returns a copy of the store using a non-default TTL, mainly
// useful in tests that don't want to wait out the real one.
func (s *Store) WithTTL(ttl time.Duration) *Store {
	return &Store{rdb: s.rdb, ttl: ttl}
}

func key(executionID string) string {
	return "exec:" + executionID + ":context"
}

// Set registers an execution context, refreshing the TTL if one already exists.
func (s *Store) Set(ctx context.Context, ec *types.ExecutionContext) error {
	data, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("marshal execution context %s: %w", ec.ExecutionID, err)
	}
	if err := s.rdb.Set(ctx, key(ec.ExecutionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("set execution context %s: %w", ec.ExecutionID, err)
	}
	return nil
}

// Get reads back a previously-registered execution context.
func (s *Store) Get(ctx context.Context, executionID string) (*types.ExecutionContext, error) {
	data, err := s.rdb.Get(ctx, key(executionID)).Bytes()
	if err == redis.Nil {
		return nil, &bferrors.NotFoundError{Key: executionID}
	}
	if err != nil {
		return nil, fmt.Errorf("get execution context %s: %w", executionID, err)
	}
	var ec types.ExecutionContext
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, fmt.Errorf("decode execution context %s: %w", executionID, err)
	}
	return &ec, nil
}

// Delete removes an execution context once the execution completes,
// freeing the slot immediately rather than waiting out the TTL.
func (s *Store) Delete(ctx context.Context, executionID string) error {
	if err := s.rdb.Del(ctx, key(executionID)).Err(); err != nil {
		return fmt.Errorf("delete execution context %s: %w", executionID, err)
	}
	return nil
}
