package storage

import (
	"context"
	"errors"

	"github.com/italolelis/asset_uploader/internal/telemetry"
)

// InstrumentedKV wraps any KV backend with telemetry.
type InstrumentedKV struct {
	kv        KV
	telemetry *telemetry.Telemetry
}

// NewInstrumentedKV creates a new instrumented key-value store.
func NewInstrumentedKV(kv KV, tel *telemetry.Telemetry) *InstrumentedKV {
	return &InstrumentedKV{
		kv:        kv,
		telemetry: tel,
	}
}

// Get reads a key with telemetry. A missing key is not counted as a failed operation.
func (r *InstrumentedKV) Get(ctx context.Context, key string) ([]byte, error) {
	var result []byte

	var notFound bool

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "kv_get", func(ctx context.Context) error {
		var err error

		result, err = r.kv.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			notFound = true

			return nil
		}

		return err
	})

	if notFound {
		return nil, ErrNotFound
	}

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

// Set writes a key with telemetry.
func (r *InstrumentedKV) Set(ctx context.Context, key string, value []byte) error {
	return r.telemetry.InstrumentDBOperation(ctx, "kv_set", func(ctx context.Context) error {
		return r.kv.Set(ctx, key, value)
	})
}

// Remove deletes a key with telemetry.
func (r *InstrumentedKV) Remove(ctx context.Context, key string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "kv_remove", func(ctx context.Context) error {
		return r.kv.Remove(ctx, key)
	})
}

// ListKeys lists keys with telemetry.
func (r *InstrumentedKV) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var result []string

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "kv_list_keys", func(ctx context.Context) error {
		var err error

		result, err = r.kv.ListKeys(ctx, prefix)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
