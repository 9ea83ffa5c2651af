package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/italolelis/asset_uploader/internal/backoff"
	"github.com/italolelis/asset_uploader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mib = 1 << 20

func TestStart_RejectsInvalidFilesBeforeAnyWork(t *testing.T) {
	tests := []struct {
		name  string
		file  File
		field string
	}{
		{
			name:  "wrong content type",
			file:  File{Name: "notes.pdf", ContentType: "application/pdf", Size: 10, Content: bytes.NewReader(make([]byte, 10))},
			field: "content_type",
		},
		{
			name:  "too large",
			file:  File{Name: "big.png", ContentType: "image/png", Size: 6 * mib, Content: bytes.NewReader(nil)},
			field: "size",
		},
		{
			name:  "empty",
			file:  File{Name: "empty.png", ContentType: "image/png", Size: 0, Content: bytes.NewReader(nil)},
			field: "size",
		},
		{
			name:  "no content",
			file:  File{Name: "ghost.png", ContentType: "image/png", Size: 10},
			field: "content",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)

			id, events, err := h.svc.Start(context.Background(), tt.file, "assets", "")

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Empty(t, id)
			assert.Nil(t, events)

			h.store.assertNoOpen(t)

			recs, err := h.sessions.ListByState(context.Background())
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

func TestStart_AssignsUniqueIDsAndObjectNames(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ids := make(map[string]struct{})
	names := make(map[string]struct{})
	pattern := regexp.MustCompile(`^\d+_[0-9a-f]{6}\.jpg$`)

	for range 10 {
		id, _, err := h.svc.Start(ctx, imageFile(1024), "assets", "")
		require.NoError(t, err)

		handle := h.store.next(t)
		assert.Equal(t, "assets", handle.obj.Folder)
		assert.Regexp(t, pattern, handle.obj.Name)
		assert.Equal(t, "image/jpeg", handle.obj.ContentType)

		ids[id] = struct{}{}
		names[handle.obj.Name] = struct{}{}
	}

	assert.Len(t, ids, 10)
	assert.Len(t, names, 10)
}

func TestStart_PersistsRunningRecord(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, _, err := h.svc.Start(ctx, imageFile(1024), "assets", "cover.jpg")
	require.NoError(t, err)
	h.store.next(t)

	rec, found, err := h.sessions.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, "running", rec.State)
	assert.Equal(t, "cover.jpg", rec.FileName)
	assert.Equal(t, "assets", rec.Folder)
	assert.Equal(t, int64(1024), rec.TotalBytes)
	assert.Zero(t, rec.RetryCount)
}

// A 2 MB image uploads with progress strictly increasing through 25/50/75% and completes at 100%.
func TestUpload_CompletesWithProgress(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	const size = 2_000_000

	id, events, err := h.svc.Start(ctx, imageFile(size), "assets", "")
	require.NoError(t, err)

	handle := h.store.next(t)
	handle.progress(size / 4)
	handle.progress(size / 2)
	handle.progress(3 * size / 4)
	handle.complete("https://cdn.example.com/assets/x.jpg")

	got := drain(t, events)
	require.Len(t, got, 4)

	last := -1.0

	for i, want := range []float64{25, 50, 75} {
		assert.Equal(t, EventProgress, got[i].Kind)
		assert.Equal(t, id, got[i].UploadID)
		assert.InDelta(t, want, got[i].Snapshot.Percentage, 0.001)
		assert.Greater(t, got[i].Snapshot.Percentage, last)

		last = got[i].Snapshot.Percentage
	}

	done := got[3]
	assert.Equal(t, EventCompleted, done.Kind)
	assert.Equal(t, "https://cdn.example.com/assets/x.jpg", done.URL)
	assert.Equal(t, StateCompleted, done.Snapshot.State)
	assert.InDelta(t, 100, done.Snapshot.Percentage, 0.001)

	snap, ok := h.svc.Progress(ctx, id)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, int64(size), snap.BytesTransferred)

	require.Eventually(t, func() bool {
		rec, found, err := h.sessions.Load(ctx, id)

		return err == nil && found && rec.State == "completed" && rec.ResultURL != ""
	}, waitTimeout, 10*time.Millisecond)

	assert.False(t, h.svc.Pause(ctx, id), "completed uploads cannot be paused")

	_, resumed := h.svc.Resume(ctx, id)
	assert.False(t, resumed, "completed uploads cannot be resumed")
}

func TestUpload_ClosesSourceOnCompletion(t *testing.T) {
	h := newHarness(t, nil)

	file := imageFile(64)
	src := &closingSource{Reader: file.Content.(*bytes.Reader)}
	file.Content = src

	_, events, err := h.svc.Start(context.Background(), file, "assets", "")
	require.NoError(t, err)

	h.store.next(t).complete("https://cdn.example.com/a.jpg")
	drain(t, events)

	assert.True(t, src.closed.Load())
}

func TestUpload_ProgressIsClampedAndMonotonic(t *testing.T) {
	h := newHarness(t, nil)

	_, events, err := h.svc.Start(context.Background(), imageFile(1000), "assets", "")
	require.NoError(t, err)

	handle := h.store.next(t)
	handle.progress(600)
	handle.progress(300)
	handle.progress(5000)
	handle.complete("https://cdn.example.com/a.jpg")

	got := drain(t, events)
	require.Len(t, got, 3)

	var last int64

	for _, ev := range got {
		assert.GreaterOrEqual(t, ev.Snapshot.BytesTransferred, last)
		assert.GreaterOrEqual(t, ev.Snapshot.Percentage, 0.0)
		assert.LessOrEqual(t, ev.Snapshot.Percentage, 100.0)
		assert.LessOrEqual(t, ev.Snapshot.BytesTransferred, int64(1000))

		last = ev.Snapshot.BytesTransferred
	}
}

// Pausing at 40% holds the transfer; resuming continues on the same handle.
func TestUpload_PauseAndResume(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, events, err := h.svc.Start(ctx, imageFile(1000), "assets", "")
	require.NoError(t, err)

	handle := h.store.next(t)
	handle.progress(400)
	assert.Equal(t, EventProgress, nextEvent(t, events).Kind)

	require.True(t, h.svc.Pause(ctx, id))
	assert.False(t, h.svc.Pause(ctx, id), "already paused")

	snap, ok := h.svc.Progress(ctx, id)
	require.True(t, ok)
	assert.Equal(t, StatePaused, snap.State)
	assert.InDelta(t, 40, snap.Percentage, 0.001)

	pending := h.svc.ListPending(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.True(t, pending[0].Resumable)

	resumed, ok := h.svc.Resume(ctx, id)
	require.True(t, ok)

	assert.Empty(t, drain(t, events), "previous channel is closed on resume")

	pauses, resumes, cancelled := handle.counts()
	assert.Equal(t, 1, pauses)
	assert.Equal(t, 1, resumes)
	assert.False(t, cancelled)
	h.store.assertNoOpen(t)

	handle.progress(700)
	handle.complete("https://cdn.example.com/a.jpg")

	got := drain(t, resumed)
	require.Len(t, got, 2)
	assert.Equal(t, int64(700), got[0].Snapshot.BytesTransferred)
	assert.Equal(t, EventCompleted, got[1].Kind)
	assert.Empty(t, h.svc.ListPending(ctx))
}

// Three consecutive failures exhaust the default policy: two retries with
// 1s and 2s delays, then a single failure report and no fourth attempt.
func TestUpload_RetriesThenFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	file := imageFile(2048)

	id, events, err := h.svc.Start(ctx, file, "assets", "")
	require.NoError(t, err)

	first := h.store.next(t)
	first.progress(1024)
	nextEvent(t, events)

	boom := errors.New("connection reset")
	first.fail(boom)

	retrying := nextEvent(t, events)
	assert.Equal(t, EventRetrying, retrying.Kind)
	assert.Equal(t, time.Second, retrying.RetryIn)

	req := h.timer.next(t)
	assert.Equal(t, time.Second, req.delay)
	req.fire <- time.Now()

	second := h.store.next(t)

	replayed, err := io.ReadAll(second.r)
	require.NoError(t, err)
	assert.Len(t, replayed, 2048, "every attempt replays the source from byte 0")

	second.fail(boom)

	retrying = nextEvent(t, events)
	assert.Equal(t, EventRetrying, retrying.Kind)
	assert.Equal(t, 2*time.Second, retrying.RetryIn)

	req = h.timer.next(t)
	assert.Equal(t, 2*time.Second, req.delay)
	req.fire <- time.Now()

	third := h.store.next(t)
	third.fail(boom)

	got := drain(t, events)
	require.Len(t, got, 1)

	failed := got[0]
	assert.Equal(t, EventFailed, failed.Kind)
	assert.Equal(t, StateError, failed.Snapshot.State)

	var terr *TransferError
	require.ErrorAs(t, failed.Err, &terr)
	assert.Equal(t, 3, terr.Attempts)
	assert.ErrorIs(t, failed.Err, boom)
	assert.Equal(t, "upload failed after 3 attempts: connection reset", failed.Err.Error())

	h.store.assertNoOpen(t)
	assert.Empty(t, h.timer.requests)

	sess, ok := h.svc.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, StateError, sess.State)
	assert.Equal(t, 3, sess.RetryCount)
	assert.Equal(t, failed.Err.Error(), sess.LastError)

	pending := h.svc.ListPending(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, StateError, pending[0].State)
}

func TestUpload_ResumeAfterErrorStartsFresh(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, events, err := h.svc.Start(ctx, imageFile(100), "assets", "")
	require.NoError(t, err)

	for attempt := 1; attempt <= backoff.Default().MaxAttempts; attempt++ {
		h.store.next(t).fail(errors.New("offline"))

		if attempt < backoff.Default().MaxAttempts {
			h.timer.next(t).fire <- time.Now()
		}
	}

	got := drain(t, events)
	require.NotEmpty(t, got)
	assert.Equal(t, EventFailed, got[len(got)-1].Kind)

	resumed, ok := h.svc.Resume(ctx, id)
	require.True(t, ok)

	sess, ok := h.svc.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, StateRunning, sess.State)
	assert.Zero(t, sess.RetryCount)
	assert.Empty(t, sess.LastError)

	h.store.next(t).complete("https://cdn.example.com/a.jpg")

	got = drain(t, resumed)
	require.Len(t, got, 1)
	assert.Equal(t, EventCompleted, got[0].Kind)
}

func TestUpload_OpenErrorCountsAsFailedAttempt(t *testing.T) {
	h := newHarness(t, nil)

	h.store.failOpen(errors.New("no route to host"))

	_, events, err := h.svc.Start(context.Background(), imageFile(100), "assets", "")
	require.NoError(t, err)

	ev := nextEvent(t, events)
	assert.Equal(t, EventRetrying, ev.Kind)
	assert.ErrorContains(t, ev.Err, "no route to host")

	h.store.failOpen(nil)
	h.timer.next(t).fire <- time.Now()

	h.store.next(t).complete("https://cdn.example.com/a.jpg")

	got := drain(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, EventCompleted, got[0].Kind)
}

func TestUpload_PauseDuringBackoffCancelsRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, events, err := h.svc.Start(ctx, imageFile(100), "assets", "")
	require.NoError(t, err)

	h.store.next(t).fail(errors.New("timeout"))
	assert.Equal(t, EventRetrying, nextEvent(t, events).Kind)

	req := h.timer.next(t)

	require.True(t, h.svc.Pause(ctx, id))
	req.fire <- time.Now()
	h.store.assertNoOpen(t)

	snap, ok := h.svc.Progress(ctx, id)
	require.True(t, ok)
	assert.Equal(t, StatePaused, snap.State)

	resumed, ok := h.svc.Resume(ctx, id)
	require.True(t, ok)

	sess, _ := h.svc.Get(ctx, id)
	assert.Zero(t, sess.RetryCount)

	h.store.next(t).complete("https://cdn.example.com/a.jpg")
	assert.Equal(t, EventCompleted, nextEvent(t, resumed).Kind)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	file := imageFile(100)
	src := &closingSource{Reader: file.Content.(*bytes.Reader)}
	file.Content = src

	id, events, err := h.svc.Start(ctx, file, "assets", "")
	require.NoError(t, err)

	handle := h.store.next(t)
	handle.progress(50)
	nextEvent(t, events)

	require.True(t, h.svc.Cancel(ctx, id))

	assert.Empty(t, drain(t, events), "cancel closes the channel without a terminal event")

	_, _, cancelled := handle.counts()
	assert.True(t, cancelled)
	assert.True(t, src.closed.Load())

	_, ok := h.svc.Progress(ctx, id)
	assert.False(t, ok)
	assert.Empty(t, h.svc.ListPending(ctx))
	assert.Empty(t, h.svc.Active())

	_, found, err := h.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	assert.False(t, h.svc.Cancel(ctx, id))
	assert.False(t, h.svc.Cancel(ctx, "unknown"))
	assert.False(t, h.svc.Pause(ctx, "unknown"))

	_, resumed := h.svc.Resume(ctx, "unknown")
	assert.False(t, resumed)
}

func TestCancel_StoredOnlySession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.sessions.Save(ctx, storage.SessionRecord{ID: "old", State: "paused", CreatedAt: h.clock.Now()}))

	assert.True(t, h.svc.Cancel(ctx, "old"))

	_, found, err := h.sessions.Load(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found)
}

// Sessions interrupted by a shutdown are listed after a restart, need the
// file to be re-selected and then upload from byte 0.
func TestReload_ReattachAfterRestart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	file := imageFile(4096)

	id, _, err := h.svc.Start(ctx, file, "assets", "")
	require.NoError(t, err)

	h.store.next(t).progress(1024)

	h.svc.Close()

	rec, found, err := h.sessions.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "paused", rec.State)

	restarted := newFakeStore()
	svc := h.newService(t, restarted)

	pending := svc.ListPending(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.False(t, pending[0].Resumable)

	_, ok := svc.Resume(ctx, id)
	assert.False(t, ok, "no byte source in memory")

	_, err = svc.Reattach(ctx, id, File{Name: "photo.jpg", ContentType: "image/jpeg", Size: 10, Content: bytes.NewReader(make([]byte, 10))})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "file", verr.Field)

	_, err = svc.Reattach(ctx, "missing", file)
	require.ErrorIs(t, err, ErrNotFound)

	events, err := svc.Reattach(ctx, id, file)
	require.NoError(t, err)

	handle := restarted.next(t)

	replayed, err := io.ReadAll(handle.r)
	require.NoError(t, err)
	assert.Len(t, replayed, 4096)

	handle.complete("https://cdn.example.com/a.jpg")

	got := drain(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, EventCompleted, got[0].Kind)

	_, err = svc.Reattach(ctx, id, file)
	require.ErrorIs(t, err, ErrNotPending)
}

func TestListPending_ReportsOrphanedRunningRecordsAsPaused(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	created := h.clock.Now().Add(-time.Hour)
	require.NoError(t, h.sessions.Save(ctx, storage.SessionRecord{ID: "crashed", State: "running", CreatedAt: created}))
	require.NoError(t, h.sessions.Save(ctx, storage.SessionRecord{ID: "finished", State: "completed", CreatedAt: created}))

	live, _, err := h.svc.Start(ctx, imageFile(100), "assets", "")
	require.NoError(t, err)
	h.store.next(t)

	pending := h.svc.ListPending(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, "crashed", pending[0].ID)
	assert.Equal(t, StatePaused, pending[0].State)
	assert.False(t, pending[0].Resumable)

	active := h.svc.Active()
	require.Len(t, active, 1)
	assert.Equal(t, live, active[0].ID)
}

func TestCleanupCompleted_IsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var ids []string

	for range 2 {
		id, events, err := h.svc.Start(ctx, imageFile(100), "assets", "")
		require.NoError(t, err)

		h.store.next(t).complete("https://cdn.example.com/a.jpg")
		drain(t, events)

		ids = append(ids, id)
	}

	require.NoError(t, h.sessions.Save(ctx, storage.SessionRecord{ID: "stored", State: "completed"}))

	require.Eventually(t, func() bool {
		recs, err := h.sessions.ListByState(ctx, "completed")

		return err == nil && len(recs) == 3
	}, waitTimeout, 10*time.Millisecond)

	assert.Equal(t, 3, h.svc.CleanupCompleted(ctx))
	assert.Equal(t, 0, h.svc.CleanupCompleted(ctx))

	for _, id := range ids {
		_, ok := h.svc.Progress(ctx, id)
		assert.False(t, ok)
	}
}

func TestCleanupStale(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	doneID, events, err := h.svc.Start(ctx, imageFile(100), "assets", "")
	require.NoError(t, err)
	h.store.next(t).complete("https://cdn.example.com/a.jpg")
	drain(t, events)

	pausedID, _, err := h.svc.Start(ctx, imageFile(100), "assets", "")
	require.NoError(t, err)
	h.store.next(t)
	require.True(t, h.svc.Pause(ctx, pausedID))

	require.NoError(t, h.sessions.Save(ctx, storage.SessionRecord{
		ID:             "orphan",
		State:          "paused",
		LastActivityAt: h.clock.Now().Add(-48 * time.Hour),
	}))

	h.clock.Advance(2 * time.Hour)

	assert.Equal(t, 2, h.svc.CleanupStale(ctx, time.Hour))

	_, ok := h.svc.Progress(ctx, doneID)
	assert.False(t, ok)

	snap, ok := h.svc.Progress(ctx, pausedID)
	require.True(t, ok, "paused uploads with a live source are kept")
	assert.Equal(t, StatePaused, snap.State)

	assert.Equal(t, 0, h.svc.CleanupStale(ctx, time.Hour))
}

func TestPersistenceFailuresDoNotAbortUploads(t *testing.T) {
	h := newHarness(t, brokenKV{})
	ctx := context.Background()

	id, events, err := h.svc.Start(ctx, imageFile(100), "assets", "")
	require.NoError(t, err)

	handle := h.store.next(t)
	handle.progress(50)
	require.True(t, h.svc.Pause(ctx, id))

	resumed, ok := h.svc.Resume(ctx, id)
	require.True(t, ok)
	drain(t, events)

	handle.complete("https://cdn.example.com/a.jpg")

	got := drain(t, resumed)
	require.NotEmpty(t, got)
	assert.Equal(t, EventCompleted, got[len(got)-1].Kind)

	assert.Empty(t, h.svc.ListPending(ctx))
	assert.Equal(t, 1, h.svc.CleanupCompleted(ctx))
	assert.Equal(t, 0, h.svc.CleanupCompleted(ctx))
}

func TestClose_RejectsNewUploads(t *testing.T) {
	h := newHarness(t, nil)

	h.svc.Close()
	h.svc.Close()

	_, _, err := h.svc.Start(context.Background(), imageFile(100), "assets", "")
	require.ErrorIs(t, err, ErrClosed)
}

func TestNewService_RejectsInvalidPolicy(t *testing.T) {
	_, err := NewService(context.Background(), newFakeStore(), storage.NewSessionStore(storage.NewMemoryKV()), Config{
		Policy: backoff.Policy{Base: time.Second, Factor: 2, Max: time.Second, MaxAttempts: 3},
	})
	require.Error(t, err)
}

// A retry replays the source from byte 0 but the reported progress never
// goes back while the upload is running.
func TestUpload_RetryKeepsProgressHighWaterMark(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, events, err := h.svc.Start(ctx, imageFile(1000), "assets", "")
	require.NoError(t, err)

	first := h.store.next(t)
	first.progress(600)
	nextEvent(t, events)

	first.fail(errors.New("connection reset"))

	retrying := nextEvent(t, events)
	assert.Equal(t, EventRetrying, retrying.Kind)
	assert.InDelta(t, 60, retrying.Snapshot.Percentage, 0.001)

	h.timer.next(t).fire <- time.Now()
	second := h.store.next(t)

	snap, ok := h.svc.Progress(ctx, id)
	require.True(t, ok)
	assert.Equal(t, StateRunning, snap.State)
	assert.InDelta(t, 60, snap.Percentage, 0.001)

	second.progress(300)
	assertNoEvent(t, events)

	snap, _ = h.svc.Progress(ctx, id)
	assert.InDelta(t, 60, snap.Percentage, 0.001)

	second.progress(800)

	ev := nextEvent(t, events)
	assert.Equal(t, EventProgress, ev.Kind)
	assert.InDelta(t, 80, ev.Snapshot.Percentage, 0.001)

	second.complete("https://cdn.example.com/a.jpg")
	assert.Equal(t, EventCompleted, nextEvent(t, events).Kind)
}

// An explicit resume gives the upload a fresh retry budget even when the
// transfer was held rather than restarted.
func TestUpload_UserResumeResetsRetryCount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, _, err := h.svc.Start(ctx, imageFile(100), "assets", "")
	require.NoError(t, err)

	boom := errors.New("timeout")

	h.store.next(t).fail(boom)
	h.timer.next(t).fire <- time.Now()
	h.store.next(t).fail(boom)
	h.timer.next(t).fire <- time.Now()

	third := h.store.next(t)

	sess, ok := h.svc.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, 2, sess.RetryCount)

	require.True(t, h.svc.Pause(ctx, id))

	resumed, ok := h.svc.Resume(ctx, id)
	require.True(t, ok)

	sess, _ = h.svc.Get(ctx, id)
	assert.Zero(t, sess.RetryCount)

	third.fail(boom)

	ev := nextEvent(t, resumed)
	assert.Equal(t, EventRetrying, ev.Kind)

	sess, _ = h.svc.Get(ctx, id)
	assert.Equal(t, StateRunning, sess.State)
	assert.Equal(t, 1, sess.RetryCount)
}

// Ending the service context mid-transfer parks the upload as paused: no
// retry, no failure event, and Close persists it as pending.
func TestUpload_ServiceContextEndIsNotAFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	parent, cancel := context.WithCancel(ctx)
	defer cancel()

	store := newFakeStore()
	store.closeOnCancel = true
	svc := h.newServiceWith(t, parent, store, backoff.Default())

	id, events, err := svc.Start(ctx, imageFile(1000), "assets", "")
	require.NoError(t, err)

	store.next(t).progress(500)
	nextEvent(t, events)

	cancel()

	require.Eventually(t, func() bool {
		sess, ok := svc.Get(ctx, id)

		return ok && sess.State == StatePaused
	}, waitTimeout, 10*time.Millisecond)

	assertNoEvent(t, events)
	assert.Empty(t, h.timer.requests)

	sess, _ := svc.Get(ctx, id)
	assert.Zero(t, sess.RetryCount)
	assert.Empty(t, sess.LastError)

	svc.Close()

	rec, found, err := h.sessions.Load(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "paused", rec.State)
	assert.Zero(t, rec.RetryCount)
	assert.Empty(t, rec.LastError)
}

func TestUpload_ServiceContextEndDuringBackoffIsNotAFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	parent, cancel := context.WithCancel(ctx)
	defer cancel()

	store := newFakeStore()
	svc := h.newServiceWith(t, parent, store, backoff.Default())

	id, events, err := svc.Start(ctx, imageFile(100), "assets", "")
	require.NoError(t, err)

	store.next(t).fail(errors.New("offline"))
	assert.Equal(t, EventRetrying, nextEvent(t, events).Kind)
	req := h.timer.next(t)

	cancel()

	require.Eventually(t, func() bool {
		sess, ok := svc.Get(ctx, id)

		return ok && sess.State == StatePaused
	}, waitTimeout, 10*time.Millisecond)

	req.fire <- time.Now()
	store.assertNoOpen(t)
	assertNoEvent(t, events)
}

// With a single allowed attempt a synchronous open failure is terminal; the
// caller still gets a channel carrying the failure.
func TestUpload_SingleAttemptOpenFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	store := newFakeStore()
	store.failOpen(errors.New("no route to host"))

	svc := h.newServiceWith(t, ctx, store, backoff.Policy{Base: time.Second, Factor: 2, Max: time.Minute, MaxAttempts: 1})

	id, events, err := svc.Start(ctx, imageFile(100), "assets", "")
	require.NoError(t, err)
	require.NotNil(t, events)

	got := drain(t, events)
	require.Len(t, got, 1)
	assert.Equal(t, EventFailed, got[0].Kind)

	var terr *TransferError
	require.ErrorAs(t, got[0].Err, &terr)
	assert.Equal(t, 1, terr.Attempts)

	sess, ok := svc.Get(ctx, id)
	require.True(t, ok)
	assert.Equal(t, StateError, sess.State)
}

// Pausing before any byte moved reports 0 bytes; resuming continues the held
// transfer, which still reads the source from byte 0.
func TestUpload_PauseBeforeProgress(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id, events, err := h.svc.Start(ctx, imageFile(1000), "assets", "")
	require.NoError(t, err)

	handle := h.store.next(t)
	require.True(t, h.svc.Pause(ctx, id))

	snap, ok := h.svc.Progress(ctx, id)
	require.True(t, ok)
	assert.Equal(t, StatePaused, snap.State)
	assert.Zero(t, snap.BytesTransferred)
	assert.Zero(t, snap.Percentage)

	resumed, ok := h.svc.Resume(ctx, id)
	require.True(t, ok)
	assert.Empty(t, drain(t, events))
	h.store.assertNoOpen(t)

	body, err := io.ReadAll(handle.r)
	require.NoError(t, err)
	assert.Len(t, body, 1000)

	handle.progress(1000)
	handle.complete("https://cdn.example.com/a.jpg")

	got := drain(t, resumed)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1000), got[0].Snapshot.BytesTransferred)
	assert.Equal(t, EventCompleted, got[1].Kind)
}

func TestCancel_LeavesOtherUploadsRunning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, firstEvents, err := h.svc.Start(ctx, imageFile(1000), "assets", "")
	require.NoError(t, err)

	firstHandle := h.store.next(t)

	second, secondEvents, err := h.svc.Start(ctx, imageFile(1000), "assets", "")
	require.NoError(t, err)

	secondHandle := h.store.next(t)

	require.True(t, h.svc.Cancel(ctx, first))
	assert.Empty(t, drain(t, firstEvents))

	_, _, cancelled := firstHandle.counts()
	assert.True(t, cancelled)

	secondHandle.progress(500)

	ev := nextEvent(t, secondEvents)
	assert.Equal(t, EventProgress, ev.Kind)
	assert.InDelta(t, 50, ev.Snapshot.Percentage, 0.001)

	secondHandle.complete("https://cdn.example.com/b.jpg")
	assert.Equal(t, EventCompleted, nextEvent(t, secondEvents).Kind)

	_, _, cancelled = secondHandle.counts()
	assert.False(t, cancelled)

	snap, ok := h.svc.Progress(ctx, second)
	require.True(t, ok)
	assert.Equal(t, StateCompleted, snap.State)
}
