package blob

import (
	"context"
	"io"

	"github.com/italolelis/asset_uploader/internal/telemetry"
)

// InstrumentedStore records a span and a blob_operations_total sample for
// every opened transfer and for its outcome.
type InstrumentedStore struct {
	store     Store
	backend   string
	telemetry *telemetry.Telemetry
}

func NewInstrumentedStore(store Store, backend string, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{
		store:     store,
		backend:   backend,
		telemetry: tel,
	}
}

func (s *InstrumentedStore) Open(ctx context.Context, obj Object, r io.Reader) (Handle, error) {
	var h Handle

	err := s.telemetry.InstrumentBlobOperation(ctx, s.backend, "open", func(ctx context.Context) error {
		var err error

		h, err = s.store.Open(ctx, obj, r)

		return err
	})
	if err != nil {
		return nil, err
	}

	return newObservedHandle(ctx, h, s.backend, s.telemetry), nil
}

// observedHandle forwards events unchanged and records the terminal outcome.
type observedHandle struct {
	Handle

	events chan Event
}

func newObservedHandle(ctx context.Context, h Handle, backend string, tel *telemetry.Telemetry) *observedHandle {
	o := &observedHandle{Handle: h, events: make(chan Event, eventBuffer)}

	go func() {
		defer close(o.events)

		for ev := range h.Events() {
			switch ev.Kind {
			case EventCompleted:
				tel.RecordBlobOperation(ctx, backend, "transfer", "success")
			case EventFailed:
				tel.RecordBlobOperation(ctx, backend, "transfer", "error")
			}

			o.events <- ev
		}
	}()

	return o
}

func (o *observedHandle) Events() <-chan Event {
	return o.events
}
