package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/asset_uploader/internal/backoff"
	"github.com/italolelis/asset_uploader/internal/blob"
	"github.com/italolelis/asset_uploader/internal/logctx"
	"github.com/italolelis/asset_uploader/internal/storage"
	"github.com/italolelis/asset_uploader/internal/telemetry"
)

// eventBuffer is the capacity of every subscriber channel. The last slot is
// reserved for the terminal event so delivering it never blocks.
const eventBuffer = 32

type Config struct {
	Policy      backoff.Policy
	Constraints Constraints
	Telemetry   *telemetry.Telemetry
}

type Option func(*Service)

// WithTimer replaces time.After for retry delays.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Service) {
		s.after = after
	}
}

// WithClock replaces time.Now for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service drives resumable uploads against a blob store. It owns the
// registry of live transfers; session records are mirrored to the store on
// a best-effort basis.
type Service struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    blob.Store
	sessions *storage.SessionStore
	policy   backoff.Policy
	limits   Constraints
	tel      *telemetry.Telemetry
	after    func(time.Duration) <-chan time.Time
	now      func() time.Time

	mu      sync.Mutex
	uploads map[string]*entry
	closed  bool
	wg      sync.WaitGroup
}

// entry is the in-memory side of a session. All fields are guarded by Service.mu
// except the persistence bookkeeping, which has its own lock.
type entry struct {
	session Session
	file    File
	handle  blob.Handle
	cancel  context.CancelFunc // current attempt or backoff wait
	events  chan Event
	startAt time.Time

	// gen changes whenever the current attempt is superseded, so events from
	// an aborted handle or a stale retry timer are ignored.
	gen     int
	version int

	persistMu sync.Mutex
	saved     int
}

func NewService(ctx context.Context, store blob.Store, sessions *storage.SessionStore, cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:      ctx,
		cancel:   cancel,
		store:    store,
		sessions: sessions,
		policy:   cfg.Policy,
		limits:   cfg.Constraints,
		tel:      cfg.Telemetry,
		after:    time.After,
		now:      time.Now,
		uploads:  make(map[string]*entry),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start validates file, opens a transfer to folder/<generated name> and returns
// immediately. fileName overrides file.Name when set.
func (s *Service) Start(ctx context.Context, file File, folder, fileName string) (string, <-chan Event, error) {
	if fileName == "" {
		fileName = file.Name
	}

	file.Name = fileName

	if err := s.limits.Validate(file); err != nil {
		return "", nil, err
	}

	now := s.now()

	e := &entry{
		session: Session{
			ID:             uuid.NewString(),
			FileName:       fileName,
			ContentType:    file.ContentType,
			Folder:         folder,
			ObjectName:     objectName(now, fileName),
			TotalBytes:     file.Size,
			State:          StateRunning,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		file:    file,
		events:  make(chan Event, eventBuffer),
		startAt: now,
	}

	path := e.session.Path()

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return "", nil, ErrClosed
	}

	// captured first: a failed open may finish and detach the channel
	events := e.events
	s.uploads[e.session.ID] = e
	s.startAttemptLocked(e)
	rec, version := e.snapshotLocked()

	s.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)
	logger.InfoContext(ctx, "upload started",
		"upload_id", rec.ID,
		"file_name", rec.FileName,
		"path", path,
		"size", humanize.IBytes(uint64(rec.TotalBytes)),
	)

	s.tel.RecordUploadStarted(ctx)
	s.persist(e, rec, version)

	return rec.ID, events, nil
}

// Pause suspends a running upload. It returns false when id has no live transfer.
func (s *Service) Pause(ctx context.Context, id string) bool {
	s.mu.Lock()

	e, ok := s.uploads[id]
	if !ok || e.session.State != StateRunning {
		s.mu.Unlock()

		return false
	}

	if e.handle != nil {
		if err := e.handle.Pause(); err != nil {
			// the attempt already ended, its terminal event decides the state
			s.mu.Unlock()

			return false
		}
	} else {
		// waiting for a retry: drop the timer, Resume starts a fresh attempt
		e.supersedeLocked()
	}

	e.session.State = StatePaused
	e.touchLocked(s.now())
	rec, version := e.snapshotLocked()

	s.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "upload paused", "upload_id", id)
	s.persist(e, rec, version)

	return true
}

// Resume continues a paused upload or retries a failed one and returns a new
// event channel; the previous one is closed. It returns false for unknown ids
// and for sessions whose byte source is not in memory.
func (s *Service) Resume(ctx context.Context, id string) (<-chan Event, bool) {
	s.mu.Lock()

	e, ok := s.uploads[id]
	if !ok || s.closed || !e.session.State.Pending() || e.file.Content == nil {
		s.mu.Unlock()

		return nil, false
	}

	restarted := e.session.State == StateError
	held := e.session.State == StatePaused && e.handle != nil
	now := s.now()

	if held {
		if err := e.handle.Resume(); err != nil {
			s.mu.Unlock()

			return nil, false
		}

		e.detachLocked()
		e.events = make(chan Event, eventBuffer)
		e.session.State = StateRunning
		e.session.RetryCount = 0
		e.touchLocked(now)
	} else {
		e.detachLocked()
		e.events = make(chan Event, eventBuffer)
		e.session.State = StateRunning
		e.session.RetryCount = 0
		e.session.BytesTransferred = 0
		e.session.LastError = ""
		e.touchLocked(now)

		if restarted {
			e.startAt = now
		}
	}

	events := e.events

	if !held {
		s.startAttemptLocked(e)
	}

	rec, version := e.snapshotLocked()

	s.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "upload resumed", "upload_id", id, "restarted", restarted)

	if restarted {
		s.tel.RecordUploadStarted(ctx)
	}

	s.persist(e, rec, version)

	return events, true
}

// Reattach resumes a pending session whose byte source was lost, typically
// after a restart, using a re-selected file. The file must match the
// recorded name and size. The transfer starts again from byte 0.
func (s *Service) Reattach(ctx context.Context, id string, file File) (<-chan Event, error) {
	s.mu.Lock()
	e, live := s.uploads[id]

	var sess Session
	if live {
		sess = e.session
	}
	s.mu.Unlock()

	if !live {
		rec, found, err := s.sessions.Load(ctx, id)
		if err != nil {
			return nil, err
		}

		if !found {
			return nil, ErrNotFound
		}

		sess = sessionFromRecord(rec)

		// a record left running by a process that did not shut down cleanly is pending too
		if sess.State == StateRunning || sess.State == StateIdle {
			sess.State = StatePaused
		}
	}

	if !sess.State.Pending() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, sess.State)
	}

	if file.Name == "" {
		file.Name = sess.FileName
	}

	if err := s.limits.Validate(file); err != nil {
		return nil, err
	}

	if file.Name != sess.FileName || file.Size != sess.TotalBytes {
		return nil, &ValidationError{Field: "file", Reason: "does not match the original selection"}
	}

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil, ErrClosed
	}

	wasActive := false

	if current, ok := s.uploads[id]; ok {
		if !current.session.State.Pending() {
			s.mu.Unlock()

			return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, current.session.State)
		}

		e = current
		wasActive = e.session.State == StatePaused
		e.supersedeLocked()
		e.detachLocked()

		if e.file.Content != file.Content {
			closeSource(e.file)
		}
	} else {
		e = &entry{session: sess}
		s.uploads[id] = e
	}

	now := s.now()

	e.file = file
	e.events = make(chan Event, eventBuffer)
	e.startAt = now
	e.session.State = StateRunning
	e.session.RetryCount = 0
	e.session.BytesTransferred = 0
	e.session.LastError = ""
	e.touchLocked(now)

	events := e.events
	s.startAttemptLocked(e)
	rec, version := e.snapshotLocked()

	s.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "upload reattached", "upload_id", id, "file_name", file.Name)

	if !wasActive {
		s.tel.RecordUploadStarted(ctx)
	}

	s.persist(e, rec, version)

	return events, nil
}

// Cancel aborts an upload and forgets it. The event channel is closed without
// a terminal event. Sessions known only to the store are deleted too.
func (s *Service) Cancel(ctx context.Context, id string) bool {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()

	e, ok := s.uploads[id]
	if ok {
		active := e.session.State == StateRunning || e.session.State == StatePaused

		e.supersedeLocked()
		e.detachLocked()
		e.session.State = StateCancelled
		e.version++
		closeSource(e.file)
		delete(s.uploads, id)

		version := e.version
		startAt := e.startAt
		transferred := e.session.BytesTransferred

		s.mu.Unlock()

		if active {
			s.tel.RecordUploadFinished(ctx, string(StateCancelled), s.now().Sub(startAt), transferred)
		}

		s.remove(e, version)
		logger.InfoContext(ctx, "upload cancelled", "upload_id", id)

		return true
	}

	s.mu.Unlock()

	_, found, err := s.sessions.Load(ctx, id)
	if err != nil {
		s.persistenceFailed(ctx, "load", err)

		return false
	}

	if !found {
		return false
	}

	if err := s.sessions.Delete(ctx, id); err != nil {
		s.persistenceFailed(ctx, "delete", err)

		return false
	}

	logger.InfoContext(ctx, "stored upload cancelled", "upload_id", id)

	return true
}

// Progress returns the snapshot of id from memory, falling back to the store.
func (s *Service) Progress(ctx context.Context, id string) (Snapshot, bool) {
	s.mu.Lock()

	if e, ok := s.uploads[id]; ok {
		snap := e.session.Snapshot()
		s.mu.Unlock()

		return snap, true
	}

	s.mu.Unlock()

	rec, found, err := s.sessions.Load(ctx, id)
	if err != nil {
		s.persistenceFailed(ctx, "load", err)

		return Snapshot{}, false
	}

	if !found {
		return Snapshot{}, false
	}

	return sessionFromRecord(rec).Snapshot(), true
}

// Get returns the session for id from memory, falling back to the store.
func (s *Service) Get(ctx context.Context, id string) (Session, bool) {
	s.mu.Lock()

	if e, ok := s.uploads[id]; ok {
		sess := e.session
		sess.Resumable = e.file.Content != nil
		s.mu.Unlock()

		return sess, true
	}

	s.mu.Unlock()

	rec, found, err := s.sessions.Load(ctx, id)
	if err != nil {
		s.persistenceFailed(ctx, "load", err)

		return Session{}, false
	}

	if !found {
		return Session{}, false
	}

	return orphan(rec), true
}

// Active returns the sessions currently running or paused with a live source.
func (s *Service) Active() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Session

	for _, e := range s.uploads {
		if e.session.State == StateRunning {
			sess := e.session
			sess.Resumable = true
			out = append(out, sess)
		}
	}

	sortSessions(out)

	return out
}

// ListPending returns paused and failed sessions from memory and from the store.
func (s *Service) ListPending(ctx context.Context) []Session {
	s.mu.Lock()

	seen := make(map[string]struct{}, len(s.uploads))

	var out []Session

	for id, e := range s.uploads {
		seen[id] = struct{}{}

		if e.session.State.Pending() {
			sess := e.session
			sess.Resumable = e.file.Content != nil
			out = append(out, sess)
		}
	}

	s.mu.Unlock()

	recs, err := s.sessions.ListByState(ctx,
		string(StatePaused), string(StateError), string(StateRunning), string(StateIdle))
	if err != nil {
		s.persistenceFailed(ctx, "list", err)
	}

	for _, rec := range recs {
		if _, ok := seen[rec.ID]; ok {
			continue
		}

		out = append(out, orphan(rec))
	}

	sortSessions(out)

	return out
}

// CleanupCompleted forgets every completed session and returns how many were removed.
func (s *Service) CleanupCompleted(ctx context.Context) int {
	removed := make(map[string]struct{})

	s.mu.Lock()

	var done []removal

	for id, e := range s.uploads {
		if e.session.State == StateCompleted {
			delete(s.uploads, id)
			e.version++
			done = append(done, removal{e: e, version: e.version})
			removed[id] = struct{}{}
		}
	}

	s.mu.Unlock()

	for _, r := range done {
		s.remove(r.e, r.version)
	}

	recs, err := s.sessions.ListByState(ctx, string(StateCompleted))
	if err != nil {
		s.persistenceFailed(ctx, "list", err)
	}

	for _, rec := range recs {
		if _, ok := removed[rec.ID]; ok {
			continue
		}

		if err := s.sessions.Delete(ctx, rec.ID); err != nil {
			s.persistenceFailed(ctx, "delete", err)

			continue
		}

		removed[rec.ID] = struct{}{}
	}

	if len(removed) > 0 {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "completed uploads cleaned up", "count", len(removed))
	}

	return len(removed)
}

// CleanupStale forgets finished and orphaned sessions inactive for longer than olderThan.
// Paused sessions with a live source are kept.
func (s *Service) CleanupStale(ctx context.Context, olderThan time.Duration) int {
	cutoff := s.now().Add(-olderThan)
	removed := make(map[string]struct{})

	s.mu.Lock()

	var stale []removal

	for id, e := range s.uploads {
		finished := e.session.State == StateCompleted || e.session.State == StateError

		if finished && e.session.LastActivityAt.Before(cutoff) {
			delete(s.uploads, id)
			closeSource(e.file)
			e.version++
			stale = append(stale, removal{e: e, version: e.version})
			removed[id] = struct{}{}
		}
	}

	live := make(map[string]struct{}, len(s.uploads))
	for id := range s.uploads {
		live[id] = struct{}{}
	}

	s.mu.Unlock()

	for _, r := range stale {
		s.remove(r.e, r.version)
	}

	recs, err := s.sessions.ListByState(ctx)
	if err != nil {
		s.persistenceFailed(ctx, "list", err)
	}

	for _, rec := range recs {
		_, gone := removed[rec.ID]
		_, kept := live[rec.ID]

		if gone || kept || !rec.LastActivityAt.Before(cutoff) {
			continue
		}

		if err := s.sessions.Delete(ctx, rec.ID); err != nil {
			s.persistenceFailed(ctx, "delete", err)

			continue
		}

		removed[rec.ID] = struct{}{}
	}

	if len(removed) > 0 {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "stale uploads cleaned up",
			"count", len(removed), "older_than", olderThan)
	}

	return len(removed)
}

// Close aborts every live transfer and leaves its record paused, so it is
// listed as pending after a restart. The service cannot be used afterwards.
func (s *Service) Close() {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return
	}

	s.closed = true

	type pendingSave struct {
		e       *entry
		rec     storage.SessionRecord
		version int
	}

	var saves []pendingSave

	for _, e := range s.uploads {
		if e.session.State != StateRunning && e.session.State != StatePaused {
			continue
		}

		e.supersedeLocked()
		e.detachLocked()
		e.session.State = StatePaused
		e.touchLocked(s.now())
		closeSource(e.file)
		e.file.Content = nil

		rec, version := e.snapshotLocked()
		saves = append(saves, pendingSave{e: e, rec: rec, version: version})
	}

	s.mu.Unlock()

	for _, p := range saves {
		s.persist(p.e, p.rec, p.version)
	}

	s.cancel()
	s.wg.Wait()

	logctx.LoggerFromContext(s.ctx).Info("upload service closed", "interrupted", len(saves))
}

// startAttemptLocked opens a fresh handle reading the source from byte 0.
func (s *Service) startAttemptLocked(e *entry) {
	e.supersedeLocked()

	gen := e.gen
	ctx, cancel := context.WithCancel(logctx.WithUploadID(s.ctx, e.session.ID))
	e.cancel = cancel

	obj := blob.Object{
		Folder:      e.session.Folder,
		Name:        e.session.ObjectName,
		ContentType: e.session.ContentType,
		Size:        e.session.TotalBytes,
	}

	h, err := s.store.Open(ctx, obj, io.NewSectionReader(e.file.Content, 0, e.file.Size))
	if err != nil {
		s.failLocked(e, gen, fmt.Errorf("failed to open transfer: %w", err))

		return
	}

	e.handle = h

	s.wg.Add(1)

	go s.drive(ctx, e, gen, h)
}

// drive consumes the events of one attempt.
func (s *Service) drive(ctx context.Context, e *entry, gen int, h blob.Handle) {
	defer s.wg.Done()

	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("upload driver panic",
				"operation", "drive",
				"panic", r,
				"stack", string(debug.Stack()))

			h.Cancel()
			s.onFailure(e, gen, fmt.Errorf("upload driver panic: %v", r))
		}
	}()

	terminal := false

	for ev := range h.Events() {
		switch ev.Kind {
		case blob.EventProgress:
			s.onProgress(e, gen, ev.Written)
		case blob.EventCompleted:
			terminal = true
			s.onCompleted(e, gen, ev.URL)
		case blob.EventFailed:
			terminal = true
			s.onFailure(e, gen, ev.Err)
		}
	}

	if terminal {
		return
	}

	if ctx.Err() != nil {
		s.interrupted(e, gen)

		return
	}

	s.onFailure(e, gen, errors.New("transfer ended without a result"))
}

// interrupted parks an upload whose attempt or backoff wait was aborted from
// outside, e.g. by the service context ending. Aborts are never failures: the
// session becomes paused and Resume starts a fresh attempt.
func (s *Service) interrupted(e *entry, gen int) {
	s.mu.Lock()

	if e.gen != gen || (e.session.State != StateRunning && e.session.State != StatePaused) {
		s.mu.Unlock()

		return
	}

	e.supersedeLocked()
	e.session.State = StatePaused
	e.touchLocked(s.now())
	rec, version := e.snapshotLocked()

	s.mu.Unlock()

	logctx.LoggerFromContext(s.ctx).Warn("upload interrupted", "upload_id", rec.ID, "err", ErrAborted)
	s.persist(e, rec, version)
}

func (s *Service) onProgress(e *entry, gen int, written int64) {
	s.mu.Lock()

	if e.gen != gen || (e.session.State != StateRunning && e.session.State != StatePaused) {
		s.mu.Unlock()

		return
	}

	written = min(max(written, 0), e.session.TotalBytes)
	if written <= e.session.BytesTransferred {
		s.mu.Unlock()

		return
	}

	e.session.BytesTransferred = written
	e.touchLocked(s.now())
	e.notifyLocked(Event{Kind: EventProgress})
	rec, version := e.snapshotLocked()

	s.mu.Unlock()

	s.persist(e, rec, version)
}

func (s *Service) onCompleted(e *entry, gen int, url string) {
	s.mu.Lock()

	if e.gen != gen || (e.session.State != StateRunning && e.session.State != StatePaused) {
		s.mu.Unlock()

		return
	}

	e.stopLocked()
	e.session.State = StateCompleted
	e.session.BytesTransferred = e.session.TotalBytes
	e.session.ResultURL = url
	e.touchLocked(s.now())
	e.finishLocked(Event{Kind: EventCompleted, URL: url})
	closeSource(e.file)

	rec, version := e.snapshotLocked()
	startAt := e.startAt

	s.mu.Unlock()

	logctx.LoggerFromContext(s.ctx).Info("upload completed",
		"upload_id", rec.ID,
		"url", url,
		"size", humanize.IBytes(uint64(rec.TotalBytes)),
		"attempts", rec.RetryCount+1,
	)

	s.tel.RecordUploadFinished(s.ctx, string(StateCompleted), s.now().Sub(startAt), rec.TotalBytes)
	s.persist(e, rec, version)
}

func (s *Service) onFailure(e *entry, gen int, err error) {
	s.mu.Lock()

	if e.gen != gen {
		s.mu.Unlock()

		return
	}

	s.failLocked(e, gen, err)
	rec, version := e.snapshotLocked()

	s.mu.Unlock()

	s.persist(e, rec, version)
}

// failLocked books one failed attempt: it schedules a retry while the policy
// allows it and reports a TransferError otherwise.
func (s *Service) failLocked(e *entry, gen int, err error) {
	logger := logctx.LoggerFromContext(s.ctx).With("upload_id", e.session.ID)

	e.stopLocked()

	if e.session.State == StatePaused {
		// the held attempt died; Resume starts a fresh one
		e.touchLocked(s.now())
		logger.Warn("paused upload lost its transfer", "err", err)

		return
	}

	if e.session.State != StateRunning {
		return
	}

	e.session.RetryCount++
	e.touchLocked(s.now())

	if !s.policy.Exhausted(e.session.RetryCount) {
		delay := s.policy.Delay(e.session.RetryCount)

		logger.Warn("upload attempt failed, retrying",
			"attempt", e.session.RetryCount,
			"retry_in", delay,
			"err", err,
		)

		s.tel.RecordUploadRetry(s.ctx, e.session.RetryCount)
		e.notifyLocked(Event{Kind: EventRetrying, Err: err, RetryIn: delay})
		s.scheduleRetryLocked(e, gen, delay)

		return
	}

	terr := &TransferError{Attempts: e.session.RetryCount, Err: err}

	e.session.State = StateError
	e.session.LastError = terr.Error()
	e.finishLocked(Event{Kind: EventFailed, Err: terr})

	logger.Error("upload failed", "attempts", terr.Attempts, "err", err)
	s.tel.RecordUploadFinished(s.ctx, string(StateError), s.now().Sub(e.startAt), e.session.BytesTransferred)
}

func (s *Service) scheduleRetryLocked(e *entry, gen int, delay time.Duration) {
	ctx, cancel := context.WithCancel(s.ctx)
	e.cancel = cancel

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		defer cancel()

		select {
		case <-s.after(delay):
			s.retry(e, gen)
		case <-ctx.Done():
			s.interrupted(e, gen)
		}
	}()
}

func (s *Service) retry(e *entry, gen int) {
	s.mu.Lock()

	if e.gen != gen || e.session.State != StateRunning || s.closed {
		s.mu.Unlock()

		return
	}

	// BytesTransferred keeps its high-water mark; the replay stays silent until it passes it
	e.touchLocked(s.now())
	s.startAttemptLocked(e)
	rec, version := e.snapshotLocked()

	s.mu.Unlock()

	logctx.LoggerFromContext(s.ctx).Info("upload retry started", "upload_id", rec.ID, "attempt", rec.RetryCount+1)
	s.persist(e, rec, version)
}

// persist saves rec unless a newer version of the entry was already written.
func (s *Service) persist(e *entry, rec storage.SessionRecord, version int) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	if version <= e.saved {
		return
	}

	e.saved = version

	ctx := context.WithoutCancel(s.ctx)
	if err := s.sessions.Save(ctx, rec); err != nil {
		s.persistenceFailed(ctx, "save", err)
	}
}

type removal struct {
	e       *entry
	version int
}

func (s *Service) remove(e *entry, version int) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	if version <= e.saved {
		return
	}

	e.saved = version

	ctx := context.WithoutCancel(s.ctx)
	if err := s.sessions.Delete(ctx, e.session.ID); err != nil {
		s.persistenceFailed(ctx, "delete", err)
	}
}

func (s *Service) persistenceFailed(ctx context.Context, op string, err error) {
	logctx.LoggerFromContext(ctx).WarnContext(ctx, "session persistence failed", "operation", op, "err", err)
	s.tel.RecordPersistenceFailure(ctx, op)
}

// supersedeLocked invalidates the current attempt or retry wait.
func (e *entry) supersedeLocked() {
	e.gen++

	if e.handle != nil {
		e.handle.Cancel()
		e.handle = nil
	}

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// stopLocked releases the attempt that just ended without touching gen.
func (e *entry) stopLocked() {
	e.handle = nil

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

func (e *entry) touchLocked(now time.Time) {
	e.session.LastActivityAt = now
	e.version++
}

func (e *entry) snapshotLocked() (storage.SessionRecord, int) {
	return e.session.record(), e.version
}

// notifyLocked sends a non-terminal event, dropping it when the subscriber lags.
func (e *entry) notifyLocked(ev Event) {
	if e.events == nil || len(e.events) >= cap(e.events)-1 {
		return
	}

	ev.UploadID = e.session.ID
	ev.Snapshot = e.session.Snapshot()
	e.events <- ev
}

// finishLocked delivers the terminal event and closes the channel.
func (e *entry) finishLocked(ev Event) {
	if e.events == nil {
		return
	}

	ev.UploadID = e.session.ID
	ev.Snapshot = e.session.Snapshot()
	e.events <- ev
	close(e.events)
	e.events = nil
}

// detachLocked closes the channel without a terminal event.
func (e *entry) detachLocked() {
	if e.events != nil {
		close(e.events)
		e.events = nil
	}
}

func closeSource(f File) {
	if c, ok := f.Content.(io.Closer); ok {
		_ = c.Close()
	}
}

// orphan converts a stored record with no in-memory source. Records left
// running by an unclean shutdown are reported as paused.
func orphan(rec storage.SessionRecord) Session {
	sess := sessionFromRecord(rec)
	if sess.State == StateRunning || sess.State == StateIdle {
		sess.State = StatePaused
	}

	return sess
}

func sortSessions(sessions []Session) {
	slices.SortFunc(sessions, func(a, b Session) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		if a.ID < b.ID {
			return -1
		}

		if a.ID > b.ID {
			return 1
		}

		return 0
	})
}
