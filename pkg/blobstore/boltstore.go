package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/bifrost/pkg/bferrors"
)

var bucketBlobs = []byte("blobs")

// record is the on-disk envelope stored per key; bbolt values are opaque
// bytes so the content-type rides alongside the payload as JSON.
type record struct {
	Bytes       []byte `json:"bytes"`
	ContentType string `json:"content_type"`
	ContentHash string `json:"content_hash"`
}

// BoltStore implements Store using an embedded bbolt database, matching
// the teacher's single-file key-value persistence for cluster state.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt-backed blob store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "blobs.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create blobs bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put is last-write-wins; no conditional writes are required by the core.
func (s *BoltStore) Put(ctx context.Context, key string, data []byte, contentType string) (*Blob, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	rec := record{Bytes: data, ContentType: contentType, ContentHash: hash}
	buf, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode blob record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(key), buf)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put blob %s: %w", key, err)
	}

	return &Blob{Key: key, Bytes: data, ContentType: contentType, ContentHash: hash}, nil
}

// Get reads the blob at key.
func (s *BoltStore) Get(ctx context.Context, key string) (*Blob, error) {
	var rec record
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlobs).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get blob %s: %w", key, err)
	}
	if !found {
		return nil, &bferrors.NotFoundError{Key: key}
	}

	return &Blob{Key: key, Bytes: rec.Bytes, ContentType: rec.ContentType, ContentHash: rec.ContentHash}, nil
}

// Delete removes the blob at key. Deleting a missing key is not an error.
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(key))
	})
}

// List returns every key with the given prefix, lexically sorted (bbolt
// stores keys in byte order so a cursor Seek bounds the scan).
func (s *BoltStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	prefixBytes := []byte(prefix)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlobs).Cursor()
		for k, _ := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs under %s: %w", prefix, err)
	}

	sort.Strings(keys)
	return keys, nil
}
