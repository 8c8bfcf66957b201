// Package settings is the key/value configuration store that holds
// provision-once values such as the accession cipher key material.
package settings

import (
	"context"
	"fmt"
	"sync"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

// Store persists string values by key. SetIfAbsent never overwrites an
// existing value: it returns whichever value is stored after the call, so
// concurrent first writers converge on a single value.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetIfAbsent(ctx context.Context, key, value string) (string, error)
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: settings key is required", apperr.ErrValidation)
	}
	return nil
}

// MemoryStore is a thread-safe, in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	if err := validateKey(key); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.values[key]; ok {
		return existing, nil
	}
	s.values[key] = value
	return value, nil
}
