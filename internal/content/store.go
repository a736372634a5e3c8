// Package content implements the hash-addressed blob store for notice bodies.
// Keys are derived from content, so concurrent writers of the same bytes
// converge on one object and writes need no locking.
package content

import (
	"context"
	"fmt"
	"strings"

	"github.com/noticegrid/ingestor/internal/ingest"
)

const blobPrefix = "blobs/sha256/"

// Key returns the object-store key for a content hash.
func Key(hash string) string {
	return blobPrefix + hash
}

// Store is write-once storage addressed by content hash.
type Store struct {
	objects ingest.ObjectStore
	hasher  ingest.Hasher
}

// NewStore creates a content store over the given object store.
func NewStore(objects ingest.ObjectStore, hasher ingest.Hasher) (*Store, error) {
	if objects == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	return &Store{objects: objects, hasher: hasher}, nil
}

// Put stores content under its own hash. An existing blob is success, not
// conflict: two writers of identical content write identical bytes. Returns
// the hash and whether this call created the blob.
func (s *Store) Put(ctx context.Context, body []byte) (string, bool, error) {
	hash, err := s.hasher.Hash(body)
	if err != nil {
		return "", false, fmt.Errorf("hash content: %w", err)
	}
	created, err := s.objects.PutIfAbsent(ctx, Key(hash), body)
	if err != nil {
		return "", false, fmt.Errorf("store blob %s: %w", hash, err)
	}
	return hash, created, nil
}

// Get returns the blob for hash, or ingest.ErrObjectNotFound. The stored
// bytes are re-hashed on the way out; a mismatch means corruption and is an
// error rather than silently served.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	if strings.TrimSpace(hash) == "" {
		return nil, fmt.Errorf("content hash is required")
	}
	body, err := s.objects.Get(ctx, Key(hash))
	if err != nil {
		return nil, err
	}
	actual, err := s.hasher.Hash(body)
	if err != nil {
		return nil, fmt.Errorf("hash stored blob: %w", err)
	}
	if actual != hash {
		return nil, fmt.Errorf("blob %s failed integrity check (stored bytes hash to %s)", hash, actual)
	}
	return body, nil
}
