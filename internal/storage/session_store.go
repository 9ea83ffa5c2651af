package storage

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"
)

const sessionKeyPrefix = "upload_session:"

// SessionRecord is the persisted form of an upload session.
type SessionRecord struct {
	ID               string    `json:"upload_id"`
	FileName         string    `json:"file_name"`
	ContentType      string    `json:"content_type"`
	Folder           string    `json:"folder"`
	ObjectName       string    `json:"object_name"`
	TotalBytes       int64     `json:"total_bytes"`
	BytesTransferred int64     `json:"bytes_transferred"`
	State            string    `json:"state"`
	RetryCount       int       `json:"retry_count"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	ResultURL        string    `json:"result_url,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

// SessionStore keeps session records in a KV under the "upload_session:" prefix.
// There is no locking: one process is assumed to own the store at a time.
type SessionStore struct {
	kv KV
}

func NewSessionStore(kv KV) *SessionStore {
	return &SessionStore{kv: kv}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

// Save writes rec, replacing any previous record with the same id.
func (s *SessionStore) Save(ctx context.Context, rec SessionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return &PersistenceError{Op: "save", ID: rec.ID, Err: err}
	}

	if err := s.kv.Set(ctx, sessionKey(rec.ID), body); err != nil {
		return &PersistenceError{Op: "save", ID: rec.ID, Err: err}
	}

	return nil
}

// Load returns the record for id. found is false when no record exists.
func (s *SessionStore) Load(ctx context.Context, id string) (SessionRecord, bool, error) {
	body, err := s.kv.Get(ctx, sessionKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SessionRecord{}, false, nil
		}

		return SessionRecord{}, false, &PersistenceError{Op: "load", ID: id, Err: err}
	}

	var rec SessionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return SessionRecord{}, false, &PersistenceError{Op: "load", ID: id, Err: err}
	}

	return rec, true, nil
}

// Delete removes the record for id. Deleting a missing record is not an error.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.kv.Remove(ctx, sessionKey(id)); err != nil && !errors.Is(err, ErrNotFound) {
		return &PersistenceError{Op: "delete", ID: id, Err: err}
	}

	return nil
}

// ListByState returns the records whose state is one of states, oldest first.
// Records that cannot be decoded are skipped and reported in the returned error
// alongside the records that could be read.
func (s *SessionStore) ListByState(ctx context.Context, states ...string) ([]SessionRecord, error) {
	keys, err := s.kv.ListKeys(ctx, sessionKeyPrefix)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}

	var (
		records []SessionRecord
		errs    []error
	)

	for _, key := range keys {
		id := strings.TrimPrefix(key, sessionKeyPrefix)

		rec, found, err := s.Load(ctx, id)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		// removed between ListKeys and Get
		if !found {
			continue
		}

		if len(states) == 0 || slices.Contains(states, rec.State) {
			records = append(records, rec)
		}
	}

	slices.SortFunc(records, func(a, b SessionRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return records, errors.Join(errs...)
}
