package kv

import (
	"context"

	"github.com/avisono/birdsong_downloader/internal/telemetry"
)

// InstrumentedStore wraps a Store with telemetry.
type InstrumentedStore struct {
	store     Store
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore decorates store with per-operation telemetry.
func NewInstrumentedStore(store Store, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{store: store, telemetry: tel}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (string, error) {
	var result string

	var err error

	instrumentedErr := s.telemetry.InstrumentStoreOperation(ctx, "get", func(ctx context.Context) error {
		result, err = s.store.Get(ctx, key)

		return err
	})

	if instrumentedErr != nil {
		return "", instrumentedErr
	}

	return result, nil
}

func (s *InstrumentedStore) Set(ctx context.Context, key, value string) error {
	return s.telemetry.InstrumentStoreOperation(ctx, "set", func(ctx context.Context) error {
		return s.store.Set(ctx, key, value)
	})
}

func (s *InstrumentedStore) Remove(ctx context.Context, key string) error {
	return s.telemetry.InstrumentStoreOperation(ctx, "remove", func(ctx context.Context) error {
		return s.store.Remove(ctx, key)
	})
}

func (s *InstrumentedStore) MultiRemove(ctx context.Context, keys []string) error {
	return s.telemetry.InstrumentStoreOperation(ctx, "multi_remove", func(ctx context.Context) error {
		return s.store.MultiRemove(ctx, keys)
	})
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}
