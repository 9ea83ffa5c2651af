package blob

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/italolelis/asset_uploader/internal/blob/progress"
)

const (
	eventBuffer = 16

	// DefaultProgressInterval bounds how many bytes go by without a progress event.
	DefaultProgressInterval = 256 * 1024
)

// UploadFunc sends r to the store and returns the public URL of the object.
// It must honour ctx cancellation.
type UploadFunc func(ctx context.Context, obj Object, r io.Reader) (string, error)

// Stream is a Handle running an UploadFunc over a pausable progress reader.
// Pausing holds the reader, so the store client sees a stalled body rather than an error.
type Stream struct {
	obj      Object
	ctx      context.Context
	cancel   context.CancelFunc
	gate     progress.Gate
	events   chan Event
	interval int64

	aborted  atomic.Bool
	finished atomic.Bool

	mu  sync.Mutex
	url string
}

// StartStream launches upload in its own goroutine and returns immediately.
func StartStream(ctx context.Context, obj Object, r io.Reader, interval int64, upload UploadFunc) *Stream {
	ctx, cancel := context.WithCancel(ctx)

	if interval <= 0 {
		interval = DefaultProgressInterval
	}

	s := &Stream{
		obj:      obj,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan Event, eventBuffer),
		interval: interval,
	}

	go s.run(r, upload)

	return s
}

func (s *Stream) run(r io.Reader, upload UploadFunc) {
	defer close(s.events)
	defer s.cancel()
	defer s.finished.Store(true)

	s.emit(Event{Kind: EventProgress, Total: s.obj.Size})

	pr := progress.NewReader(s.ctx, r, s.obj.Size, s.interval, &s.gate, func(written, total int64) {
		s.emit(Event{Kind: EventProgress, Written: written, Total: total})
	})

	url, err := upload(s.ctx, s.obj, pr)

	if s.aborted.Load() || s.ctx.Err() != nil {
		return
	}

	if err != nil {
		s.emit(Event{Kind: EventFailed, Written: pr.Consumed(), Total: s.obj.Size, Err: err})

		return
	}

	s.mu.Lock()
	s.url = url
	s.mu.Unlock()

	s.emit(Event{Kind: EventCompleted, Written: s.obj.Size, Total: s.obj.Size, URL: url})
}

func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Stream) Pause() error {
	if s.finished.Load() {
		return ErrFinished
	}

	s.gate.Close()

	return nil
}

func (s *Stream) Resume() error {
	if s.finished.Load() {
		return ErrFinished
	}

	s.gate.Open()

	return nil
}

// Cancel aborts the transfer. Events is closed without a terminal event.
func (s *Stream) Cancel() {
	s.aborted.Store(true)
	s.cancel()
}

func (s *Stream) Events() <-chan Event {
	return s.events
}

func (s *Stream) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.url
}

// Paused reports whether the reader is currently held.
func (s *Stream) Paused() bool {
	return s.gate.IsClosed()
}
