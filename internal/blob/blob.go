// Package blob defines the transfer primitive uploads are driven through:
// a handle per object that can be paused, resumed and cancelled while it
// streams progress, completion and failure events.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrFinished is returned when pausing or resuming a handle whose transfer already ended.
var ErrFinished = errors.New("transfer already finished")

type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is emitted by a Handle. Written and Total are set for every kind,
// URL only for EventCompleted and Err only for EventFailed.
type Event struct {
	Kind    EventKind
	Written int64
	Total   int64
	URL     string
	Err     error
}

// Object describes where and what is being uploaded.
type Object struct {
	Folder      string
	Name        string
	ContentType string
	Size        int64
}

// Path returns the object key inside the store.
func (o Object) Path() string {
	if o.Folder == "" {
		return o.Name
	}

	return o.Folder + "/" + o.Name
}

// Handle is one live transfer. Events is closed after the terminal event, or
// without one when the transfer was cancelled.
type Handle interface {
	Pause() error
	Resume() error
	Cancel()
	Events() <-chan Event
	URL() string
}

// Store opens transfers against a blob store. The reader is consumed by the handle.
type Store interface {
	Open(ctx context.Context, obj Object, r io.Reader) (Handle, error)
}
