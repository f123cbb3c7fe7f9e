package persistence

import (
	"context"
	"strings"
	"sync"

	apperrors "github.com/grantline/grantline/internal/errors"
)

// MemoryStore is the in-process backend used in development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.items[key]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	s.items[key] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error { return nil }
