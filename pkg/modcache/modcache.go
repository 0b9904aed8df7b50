// Package modcache implements the module cache (C3): a Redis-backed
// cache of compiled-unit content keyed by path, whose entry the write
// pipeline overwrites with Set whenever it rewrites that path.
package modcache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Entry is the cached payload stored per path.
type Entry struct {
	ContentHash string `json:"content_hash"`
	Content     []byte `json:"content"`
}

// Cache wraps a Redis client scoped to the module cache's key namespace.
type Cache struct {
	rdb *redis.Client
}

// New wraps an already-connected Redis client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

func key(path string) string {
	return "module:" + path
}

// Set stores the compiled content for path, overwriting any prior entry.
func (c *Cache) Set(ctx context.Context, path string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal module cache entry for %s: %w", path, err)
	}
	if err := c.rdb.Set(ctx, key(path), data, 0).Err(); err != nil {
		return fmt.Errorf("set module cache entry for %s: %w", path, err)
	}
	return nil
}

// Get returns the cached entry for path, and false if nothing is cached.
func (c *Cache) Get(ctx context.Context, path string) (Entry, bool, error) {
	data, err := c.rdb.Get(ctx, key(path)).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("get module cache entry for %s: %w", path, err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("decode module cache entry for %s: %w", path, err)
	}
	return entry, true, nil
}

// Invalidate removes path's cached entry. The write pipeline does not
// call it; each write replaces the entry through Set instead.
func (c *Cache) Invalidate(ctx context.Context, path string) error {
	if err := c.rdb.Del(ctx, key(path)).Err(); err != nil {
		return fmt.Errorf("invalidate module cache entry for %s: %w", path, err)
	}
	return nil
}
