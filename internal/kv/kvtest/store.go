// Package kvtest provides an in-memory kv.Store for tests.
package kvtest

import (
	"context"
	"sync"

	"github.com/avisono/birdsong_downloader/internal/kv"
)

// Store is a map-backed kv.Store. Optional failure hooks let tests simulate
// a corrupt or unavailable store.
type Store struct {
	mu   sync.RWMutex
	data map[string]string

	// When set, the corresponding operation returns this error.
	GetErr error
	SetErr error
}

func New() *Store {
	return &Store{data: make(map[string]string)}
}

func (s *Store) Get(_ context.Context, key string) (string, error) {
	if s.GetErr != nil {
		return "", s.GetErr
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return "", kv.ErrNotFound
	}

	return value, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	if s.SetErr != nil {
		return s.SetErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = value

	return nil
}

func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)

	return nil
}

func (s *Store) MultiRemove(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.data, key)
	}

	return nil
}

func (s *Store) Close() error { return nil }

// Len reports the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.data)
}

// Keys returns a snapshot of all stored keys.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}

	return keys
}
