// Package coordinator is the consumer-facing side of the upload service: it
// tracks what is active and pending, sends coarse notifications and resumes
// pending uploads when connectivity comes back.
package coordinator

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/italolelis/asset_uploader/internal/logctx"
	"github.com/italolelis/asset_uploader/internal/netstatus"
	"github.com/italolelis/asset_uploader/internal/notifier"
	"github.com/italolelis/asset_uploader/internal/telemetry"
	"github.com/italolelis/asset_uploader/internal/upload"
)

// Uploader is the part of upload.Service the coordinator drives.
type Uploader interface {
	Start(ctx context.Context, file upload.File, folder, fileName string) (string, <-chan upload.Event, error)
	Pause(ctx context.Context, id string) bool
	Resume(ctx context.Context, id string) (<-chan upload.Event, bool)
	Reattach(ctx context.Context, id string, file upload.File) (<-chan upload.Event, error)
	Cancel(ctx context.Context, id string) bool
	Progress(ctx context.Context, id string) (upload.Snapshot, bool)
	ListPending(ctx context.Context) []upload.Session
	CleanupCompleted(ctx context.Context) int
}

type Options struct {
	Folder      string
	FileName    string // overrides the name of every uploaded file when set
	AutoRetry   bool
	SettleDelay time.Duration
	Telemetry   *telemetry.Telemetry
}

type tracked struct {
	name     string
	gen      int
	snapshot upload.Snapshot
	notified int // last decile announced
}

type Coordinator struct {
	svc      Uploader
	signal   netstatus.Signal
	notifier notifier.Notifier
	opts     Options
	after    func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	active  map[string]*tracked
	pending []upload.Session
	changes chan struct{}
}

func New(svc Uploader, signal netstatus.Signal, n notifier.Notifier, opts Options) *Coordinator {
	return &Coordinator{
		svc:      svc,
		signal:   signal,
		notifier: n,
		opts:     opts,
		after:    time.After,
		active:   make(map[string]*tracked),
		changes:  make(chan struct{}, 1),
	}
}

// Init loads the pending uploads left by a previous run.
func (c *Coordinator) Init(ctx context.Context) {
	c.refreshPending(ctx)

	c.mu.Lock()
	pending := len(c.pending)
	c.mu.Unlock()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "upload coordinator initialised", "pending", pending)
}

// Run follows the network signal until ctx is done. After an offline to
// online transition it waits SettleDelay and, with AutoRetry, resumes every
// pending upload.
func (c *Coordinator) Run(ctx context.Context) (err error) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("upload coordinator panic",
				"operation", "run",
				"panic", r,
				"stack", string(debug.Stack()))

			err = fmt.Errorf("upload coordinator panic: %v", r)
		}
	}()

	statuses, unsubscribe := c.signal.Subscribe()
	defer unsubscribe()

	last := netstatus.Unknown

	var settle <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			logger.Info("upload coordinator shutdown", "reason", "context_cancelled")

			return nil
		case status, ok := <-statuses:
			if !ok {
				return nil
			}

			switch {
			case status == netstatus.Offline:
				settle = nil
			case status == netstatus.Online && last == netstatus.Offline:
				logger.Info("connectivity restored", "settle_delay", c.opts.SettleDelay)
				settle = c.after(c.opts.SettleDelay)
			}

			last = status
		case <-settle:
			settle = nil

			if !c.opts.AutoRetry {
				continue
			}

			resumed := c.ResumeAllPending(ctx)
			logger.Info("pending uploads resumed after reconnect", "resumed", resumed)
		}
	}
}

// Upload starts a file into the configured folder.
func (c *Coordinator) Upload(ctx context.Context, file upload.File) (string, error) {
	return c.UploadTo(ctx, file, "")
}

// UploadTo starts a file into folder, or the configured folder when empty.
func (c *Coordinator) UploadTo(ctx context.Context, file upload.File, folder string) (string, error) {
	if folder == "" {
		folder = c.opts.Folder
	}

	id, events, err := c.svc.Start(ctx, file, folder, c.opts.FileName)
	if err != nil {
		return "", err
	}

	name := c.opts.FileName
	if name == "" {
		name = file.Name
	}

	c.watch(ctx, id, name, upload.Snapshot{TotalBytes: file.Size, State: upload.StateRunning}, events)

	return id, nil
}

func (c *Coordinator) Pause(ctx context.Context, id string) bool {
	if !c.svc.Pause(ctx, id) {
		return false
	}

	c.mu.Lock()
	if t, ok := c.active[id]; ok {
		t.snapshot.State = upload.StatePaused
	}
	c.mu.Unlock()

	c.refreshPending(ctx)

	return true
}

func (c *Coordinator) Resume(ctx context.Context, id string) bool {
	events, ok := c.svc.Resume(ctx, id)
	if !ok {
		return false
	}

	c.resumed(ctx, id, events)

	return true
}

// Reattach resumes a pending upload whose file had to be selected again.
func (c *Coordinator) Reattach(ctx context.Context, id string, file upload.File) error {
	events, err := c.svc.Reattach(ctx, id, file)
	if err != nil {
		return err
	}

	c.resumed(ctx, id, events)

	return nil
}

func (c *Coordinator) Cancel(ctx context.Context, id string) bool {
	if !c.svc.Cancel(ctx, id) {
		return false
	}

	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()

	c.refreshPending(ctx)

	return true
}

func (c *Coordinator) GetProgress(ctx context.Context, id string) (upload.Snapshot, bool) {
	return c.svc.Progress(ctx, id)
}

// ResumeAllPending issues one resume per pending upload and returns how many
// were resumed. Uploads whose file is no longer available are skipped.
func (c *Coordinator) ResumeAllPending(ctx context.Context) int {
	logger := logctx.LoggerFromContext(ctx)
	resumed := 0

	for _, sess := range c.svc.ListPending(ctx) {
		if !sess.Resumable {
			logger.WarnContext(ctx, "pending upload needs its file selected again", "upload_id", sess.ID)

			continue
		}

		events, ok := c.svc.Resume(ctx, sess.ID)
		if !ok {
			logger.WarnContext(ctx, "failed to resume pending upload", "upload_id", sess.ID)

			continue
		}

		c.resumed(ctx, sess.ID, events)
		resumed++
	}

	return resumed
}

func (c *Coordinator) CleanupCompleted(ctx context.Context) int {
	removed := c.svc.CleanupCompleted(ctx)
	c.refreshPending(ctx)

	return removed
}

// ActiveUploads returns the snapshots of uploads that are running or paused.
func (c *Coordinator) ActiveUploads() map[string]upload.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]upload.Snapshot, len(c.active))
	for id, t := range c.active {
		out[id] = t.snapshot
	}

	return out
}

func (c *Coordinator) PendingUploads() []upload.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.pending)
}

// IsUploading reports whether any upload is transferring right now.
func (c *Coordinator) IsUploading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.active {
		if t.snapshot.State == upload.StateRunning {
			return true
		}
	}

	return false
}

// Changes is signalled after every observable state change. Signals coalesce.
func (c *Coordinator) Changes() <-chan struct{} {
	return c.changes
}

func (c *Coordinator) resumed(ctx context.Context, id string, events <-chan upload.Event) {
	name := id
	snap, _ := c.svc.Progress(ctx, id)

	c.mu.Lock()
	if t, ok := c.active[id]; ok {
		name = t.name
	} else {
		for _, sess := range c.pending {
			if sess.ID == id {
				name = sess.FileName
			}
		}
	}
	c.mu.Unlock()

	c.watch(ctx, id, name, snap, events)
}

// watch tracks id and consumes its events until the channel closes.
func (c *Coordinator) watch(ctx context.Context, id, name string, snap upload.Snapshot, events <-chan upload.Event) {
	ctx = logctx.WithUploadID(context.WithoutCancel(ctx), id)

	c.mu.Lock()

	t, ok := c.active[id]
	if !ok {
		t = &tracked{name: name}
		c.active[id] = t
	}

	t.gen++
	t.snapshot = snap
	gen := t.gen

	c.mu.Unlock()

	c.refreshPending(ctx)

	go func() {
		logger := logctx.LoggerFromContext(ctx)

		defer func() {
			if r := recover(); r != nil {
				logger.Error("upload watcher panic",
					"operation", "watch",
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()

		for ev := range events {
			c.handle(ctx, id, gen, ev)
		}
	}()
}

func (c *Coordinator) handle(ctx context.Context, id string, gen int, ev upload.Event) {
	c.mu.Lock()

	t, ok := c.active[id]
	if !ok || t.gen != gen {
		c.mu.Unlock()

		return
	}

	snap := ev.Snapshot
	if t.snapshot.State == upload.StatePaused && (ev.Kind == upload.EventProgress || ev.Kind == upload.EventRetrying) {
		// queued before the pause; only a resume, which rewatches, clears it
		snap.State = upload.StatePaused
	}

	t.snapshot = snap
	name := t.name

	var message string

	switch ev.Kind {
	case upload.EventProgress:
		decile := min(int(ev.Snapshot.Percentage)/10, 9)
		if decile > t.notified {
			t.notified = decile
			message = fmt.Sprintf("Uploading %s: %d%%", name, decile*10)
		}
	case upload.EventRetrying:
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "upload retrying", "retry_in", ev.RetryIn, "err", ev.Err)
	case upload.EventCompleted:
		delete(c.active, id)
		message = fmt.Sprintf("Upload of %s completed: %s", name, ev.URL)
	case upload.EventFailed:
		delete(c.active, id)
		message = fmt.Sprintf("Upload of %s failed: %v", name, ev.Err)
	}

	c.mu.Unlock()

	if ev.Kind == upload.EventCompleted || ev.Kind == upload.EventFailed {
		c.refreshPending(ctx)
	} else {
		c.changed()
	}

	if message != "" {
		c.notify(ctx, message)
	}
}

func (c *Coordinator) notify(ctx context.Context, message string) {
	if c.notifier == nil {
		return
	}

	if err := c.notifier.Notify(ctx, message); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send notification", "err", err)
		c.opts.Telemetry.RecordNotification(ctx, "error")

		return
	}

	c.opts.Telemetry.RecordNotification(ctx, "success")
}

func (c *Coordinator) refreshPending(ctx context.Context) {
	pending := c.svc.ListPending(ctx)

	c.mu.Lock()
	c.pending = pending
	c.mu.Unlock()

	c.changed()
}

func (c *Coordinator) changed() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}
