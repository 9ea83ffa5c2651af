package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned by KV.Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// KV is the persistent key-value contract session records are written through.
// Values are opaque serialized records; no binary payload is ever stored.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

// PersistenceError wraps any failure to read or write a session record.
// Callers log it and carry on: persistence only serves resumability across restarts.
type PersistenceError struct {
	Op  string // save, load, delete, list
	ID  string // upload id, empty for list operations
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("session store %s failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("session store %s failed for %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
