package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/asset_uploader/internal/backoff"
	"github.com/italolelis/asset_uploader/internal/blob"
	"github.com/italolelis/asset_uploader/internal/storage"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type fakeHandle struct {
	obj    blob.Object
	r      io.Reader
	events chan blob.Event

	mu        sync.Mutex
	pauses    int
	resumes   int
	cancelled bool
	once      sync.Once
}

func (h *fakeHandle) Pause() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pauses++

	return nil
}

func (h *fakeHandle) Resume() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.resumes++

	return nil
}

func (h *fakeHandle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()

	h.once.Do(func() { close(h.events) })
}

func (h *fakeHandle) Events() <-chan blob.Event {
	return h.events
}

func (h *fakeHandle) URL() string {
	return ""
}

func (h *fakeHandle) progress(written int64) {
	h.events <- blob.Event{Kind: blob.EventProgress, Written: written, Total: h.obj.Size}
}

func (h *fakeHandle) complete(url string) {
	h.events <- blob.Event{Kind: blob.EventCompleted, Written: h.obj.Size, Total: h.obj.Size, URL: url}
	h.once.Do(func() { close(h.events) })
}

func (h *fakeHandle) fail(err error) {
	h.events <- blob.Event{Kind: blob.EventFailed, Total: h.obj.Size, Err: err}
	h.once.Do(func() { close(h.events) })
}

func (h *fakeHandle) counts() (pauses, resumes int, cancelled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.pauses, h.resumes, h.cancelled
}

type fakeStore struct {
	handles chan *fakeHandle

	// closeOnCancel ends a handle without a result when its context is
	// cancelled, the way blob.Stream does.
	closeOnCancel bool

	mu      sync.Mutex
	openErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{handles: make(chan *fakeHandle, 16)}
}

func (s *fakeStore) Open(ctx context.Context, obj blob.Object, r io.Reader) (blob.Handle, error) {
	s.mu.Lock()
	err := s.openErr
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	h := &fakeHandle{obj: obj, r: r, events: make(chan blob.Event, 16)}
	s.handles <- h

	if s.closeOnCancel {
		go func() {
			<-ctx.Done()
			h.once.Do(func() { close(h.events) })
		}()
	}

	return h, nil
}

func (s *fakeStore) failOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.openErr = err
}

func (s *fakeStore) next(t *testing.T) *fakeHandle {
	t.Helper()

	select {
	case h := <-s.handles:
		return h
	case <-time.After(waitTimeout):
		require.FailNow(t, "no transfer was opened")

		return nil
	}
}

func (s *fakeStore) assertNoOpen(t *testing.T) {
	t.Helper()

	select {
	case <-s.handles:
		require.FailNow(t, "unexpected transfer opened")
	case <-time.After(50 * time.Millisecond):
	}
}

type timerRequest struct {
	delay time.Duration
	fire  chan time.Time
}

// manualTimer hands every requested delay to the test, which fires it.
type manualTimer struct {
	requests chan timerRequest
}

func newManualTimer() *manualTimer {
	return &manualTimer{requests: make(chan timerRequest, 16)}
}

func (m *manualTimer) after(d time.Duration) <-chan time.Time {
	c := make(chan time.Time, 1)
	m.requests <- timerRequest{delay: d, fire: c}

	return c
}

func (m *manualTimer) next(t *testing.T) timerRequest {
	t.Helper()

	select {
	case req := <-m.requests:
		return req
	case <-time.After(waitTimeout):
		require.FailNow(t, "no retry was scheduled")

		return timerRequest{}
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type brokenKV struct{}

var errBroken = errors.New("disk full")

func (brokenKV) Get(context.Context, string) ([]byte, error) {
	return nil, errBroken
}

func (brokenKV) Set(context.Context, string, []byte) error {
	return errBroken
}

func (brokenKV) Remove(context.Context, string) error {
	return errBroken
}

func (brokenKV) ListKeys(context.Context, string) ([]string, error) {
	return nil, errBroken
}

type harness struct {
	svc      *Service
	store    *fakeStore
	timer    *manualTimer
	clock    *clock
	kv       storage.KV
	sessions *storage.SessionStore
}

func newHarness(t *testing.T, kv storage.KV) *harness {
	t.Helper()

	if kv == nil {
		kv = storage.NewMemoryKV()
	}

	h := &harness{
		store:    newFakeStore(),
		timer:    newManualTimer(),
		clock:    &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		kv:       kv,
		sessions: storage.NewSessionStore(kv),
	}

	h.svc = h.newService(t, h.store)

	return h
}

func (h *harness) newService(t *testing.T, store blob.Store) *Service {
	t.Helper()

	return h.newServiceWith(t, context.Background(), store, backoff.Default())
}

func (h *harness) newServiceWith(t *testing.T, ctx context.Context, store blob.Store, policy backoff.Policy) *Service {
	t.Helper()

	svc, err := NewService(ctx, store, h.sessions, Config{
		Policy:      policy,
		Constraints: Constraints{AllowedTypePrefix: "image/", MaxSizeInBytes: 5 << 20},
	}, WithTimer(h.timer.after), WithClock(h.clock.Now))
	require.NoError(t, err)

	t.Cleanup(svc.Close)

	return svc
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()

	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")

		return ev
	case <-time.After(waitTimeout):
		require.FailNow(t, "no event received")

		return Event{}
	}
}

// assertNoEvent fails if anything arrives on events shortly.
func assertNoEvent(t *testing.T, events <-chan Event) {
	t.Helper()

	select {
	case ev, ok := <-events:
		if ok {
			require.FailNow(t, "unexpected event", "kind %s", ev.Kind)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

// drain reads events until the channel is closed.
func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()

	var out []Event

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}

			out = append(out, ev)
		case <-time.After(waitTimeout):
			require.FailNow(t, "event channel was not closed")

			return out
		}
	}
}

func imageFile(size int) File {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}

	return File{
		Name:        "photo.jpg",
		ContentType: "image/jpeg",
		Size:        int64(size),
		Content:     bytes.NewReader(data),
	}
}

// closingSource records whether the service closed it.
type closingSource struct {
	*bytes.Reader

	closed atomic.Bool
}

func (c *closingSource) Close() error {
	c.closed.Store(true)

	return nil
}
