// Package memory stores objects in-memory for tests and development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/noticegrid/ingestor/internal/ingest"
)

// ObjectStore keeps objects in a map guarded by a RWMutex.
type ObjectStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewObjectStore creates an empty in-memory object store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		data: make(map[string][]byte),
	}
}

// Put stores the object, overwriting any existing value.
func (s *ObjectStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

// PutIfAbsent stores the object only when the key does not exist; it reports
// whether this call created the object.
func (s *ObjectStore) PutIfAbsent(_ context.Context, key string, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; exists {
		return false, nil
	}
	s.data[key] = append([]byte(nil), data...)
	return true, nil
}

// Get returns a copy of the stored object or ingest.ErrObjectNotFound.
func (s *ObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, exists := s.data[key]
	if !exists {
		return nil, ingest.ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// List returns the keys under prefix in sorted order.
func (s *ObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the object; deleting a missing key is a no-op.
func (s *ObjectStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len reports the number of stored objects (test helper).
func (s *ObjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
