package upload

import (
	"io"
	"time"

	"github.com/italolelis/asset_uploader/internal/storage"
)

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Pending reports whether a session waits for a resume.
func (s State) Pending() bool {
	return s == StatePaused || s == StateError
}

// File is the byte source of an upload. Content is read from offset 0 on
// every attempt; when it also implements io.Closer it is closed once the
// upload completes or is cancelled.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Content     io.ReaderAt
}

// Session is the lifecycle record of one upload.
type Session struct {
	ID               string    `json:"upload_id"`
	FileName         string    `json:"file_name"`
	ContentType      string    `json:"content_type"`
	Folder           string    `json:"folder"`
	ObjectName       string    `json:"object_name"`
	TotalBytes       int64     `json:"total_bytes"`
	BytesTransferred int64     `json:"bytes_transferred"`
	State            State     `json:"state"`
	RetryCount       int       `json:"retry_count"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	ResultURL        string    `json:"result_url,omitempty"`
	LastError        string    `json:"last_error,omitempty"`

	// Resumable is false when the byte source is not held in memory,
	// e.g. after a restart. Such sessions need Reattach.
	Resumable bool `json:"resumable"`
}

// Path returns the destination object path.
func (s Session) Path() string {
	if s.Folder == "" {
		return s.ObjectName
	}

	return s.Folder + "/" + s.ObjectName
}

// Snapshot is the progress view of a session.
type Snapshot struct {
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	Percentage       float64 `json:"percentage"`
	State            State   `json:"state"`
}

func (s Session) Snapshot() Snapshot {
	return Snapshot{
		BytesTransferred: s.BytesTransferred,
		TotalBytes:       s.TotalBytes,
		Percentage:       percentage(s.BytesTransferred, s.TotalBytes, s.State),
		State:            s.State,
	}
}

func percentage(transferred, total int64, state State) float64 {
	if state == StateCompleted {
		return 100
	}

	if total <= 0 {
		return 0
	}

	p := float64(transferred) * 100 / float64(total)

	return min(max(p, 0), 100)
}

func (s Session) record() storage.SessionRecord {
	return storage.SessionRecord{
		ID:               s.ID,
		FileName:         s.FileName,
		ContentType:      s.ContentType,
		Folder:           s.Folder,
		ObjectName:       s.ObjectName,
		TotalBytes:       s.TotalBytes,
		BytesTransferred: s.BytesTransferred,
		State:            string(s.State),
		RetryCount:       s.RetryCount,
		CreatedAt:        s.CreatedAt,
		LastActivityAt:   s.LastActivityAt,
		ResultURL:        s.ResultURL,
		LastError:        s.LastError,
	}
}

func sessionFromRecord(rec storage.SessionRecord) Session {
	return Session{
		ID:               rec.ID,
		FileName:         rec.FileName,
		ContentType:      rec.ContentType,
		Folder:           rec.Folder,
		ObjectName:       rec.ObjectName,
		TotalBytes:       rec.TotalBytes,
		BytesTransferred: rec.BytesTransferred,
		State:            State(rec.State),
		RetryCount:       rec.RetryCount,
		CreatedAt:        rec.CreatedAt,
		LastActivityAt:   rec.LastActivityAt,
		ResultURL:        rec.ResultURL,
		LastError:        rec.LastError,
	}
}

type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventRetrying  EventKind = "retrying"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is delivered on the channel returned by Start, Resume and Reattach.
// URL is set for EventCompleted, Err for EventFailed and RetryIn for EventRetrying.
type Event struct {
	UploadID string
	Kind     EventKind
	Snapshot Snapshot
	URL      string
	Err      error
	RetryIn  time.Duration
}
