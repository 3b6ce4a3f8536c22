package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/downloader"
	"github.com/ligustah/shuttle/internal/events"
	"github.com/ligustah/shuttle/internal/objstore"
	"github.com/ligustah/shuttle/internal/progress"
	"github.com/ligustah/shuttle/internal/resume"
	"github.com/ligustah/shuttle/internal/uploader"
)

// ErrClosed is returned by start requests after Close.
var ErrClosed = errors.New("transfer: coordinator closed")

// Options configures a Coordinator.
type Options struct {
	// Downloader runs downloads. Nil disables StartDownload.
	Downloader *downloader.Engine

	// Uploader runs uploads. Nil disables UploadFile.
	Uploader *uploader.Engine

	// Resume persists partial download state. Nil disables resuming.
	Resume *resume.Store

	// Extractor runs after a download completed.
	// Default: NoExtract
	Extractor Extractor

	// Events receives state changes, progress and outcomes.
	// Default: events.Discard
	Events events.Sink

	// Progress sets the snapshot cadence.
	Progress progress.Options

	// KeepFinished is how many finished sessions stay queryable.
	// Default: 128
	KeepFinished int

	Logger *slog.Logger
}

// DownloadRequest starts a download session.
type DownloadRequest struct {
	// URL is also the resource key of the session.
	URL       string
	LocalPath string

	// Resume continues from a valid partial file, and keeps the partial
	// file if the session is cancelled.
	Resume bool

	Owner string
}

// UploadRequest starts an upload session.
type UploadRequest struct {
	LocalPath   string
	Bucket      string
	Key         string
	PartSize    int64
	ContentType string
	Owner       string
}

// ResumeStatus answers CheckResumable.
type ResumeStatus struct {
	CanResume       bool  `json:"can_resume"`
	DownloadedBytes int64 `json:"downloaded_bytes,omitempty"`
	TotalBytes      int64 `json:"total_bytes"`
}

// Coordinator runs transfer sessions. It is the only writer of session
// state: it decides whether a download resumes, sequences download,
// extraction and completion, and turns engine outcomes into terminal events.
type Coordinator struct {
	opts      Options
	registry  *Registry
	extractor Extractor
	sink      events.Sink
	log       *slog.Logger

	wg sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	finished map[string]*Session
	order    []string
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Extractor == nil {
		opts.Extractor = NoExtract
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	if opts.KeepFinished <= 0 {
		opts.KeepFinished = 128
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Coordinator{
		opts:      opts,
		registry:  NewRegistry(),
		extractor: opts.Extractor,
		sink:      opts.Events,
		log:       opts.Logger,
		finished:  make(map[string]*Session),
	}
}

// CheckResumable probes url and reports whether a partial download at
// localPath can be continued. A stale record is deleted.
func (c *Coordinator) CheckResumable(ctx context.Context, url, localPath string) (*ResumeStatus, error) {
	if url == "" || localPath == "" {
		return nil, fmt.Errorf("%w: url and local path are required", domain.ErrInvalidRequest)
	}
	if c.opts.Downloader == nil {
		return nil, fmt.Errorf("%w: downloads are not configured", domain.ErrInvalidRequest)
	}

	info, err := c.opts.Downloader.Probe(ctx, url)
	if err != nil {
		return nil, err
	}

	status := &ResumeStatus{TotalBytes: info.Size}
	if c.opts.Resume == nil || !info.AcceptsRanges {
		return status, nil
	}

	rec, err := c.opts.Resume.Check(ctx, url, localPath, info.Identity())
	if err != nil {
		return nil, err
	}
	if rec != nil {
		status.CanResume = true
		status.DownloadedBytes = rec.DownloadedBytes
	}
	return status, nil
}

// StartDownload starts a download session. It fails with
// domain.ErrAlreadyInProgress if another session holds the URL or the
// local path. The returned session runs in the background.
func (c *Coordinator) StartDownload(ctx context.Context, req DownloadRequest) (*Session, error) {
	if req.URL == "" || req.LocalPath == "" {
		return nil, fmt.Errorf("%w: url and local path are required", domain.ErrInvalidRequest)
	}
	if c.opts.Downloader == nil {
		return nil, fmt.Errorf("%w: downloads are not configured", domain.ErrInvalidRequest)
	}

	s := newSession(ctx, uuid.NewString(), domain.DirectionDownload, c.opts.Progress)
	s.Owner = req.Owner
	s.ResourceKey = req.URL
	s.LocalPath = req.LocalPath
	s.Resume = req.Resume

	if err := c.start(s, domain.StateDownloading); err != nil {
		return nil, err
	}
	go c.runDownload(s)
	return s, nil
}

// UploadFile starts an upload session for a local file.
func (c *Coordinator) UploadFile(ctx context.Context, req UploadRequest) (*Session, error) {
	if req.LocalPath == "" || req.Bucket == "" || req.Key == "" {
		return nil, fmt.Errorf("%w: local path, bucket and key are required", domain.ErrInvalidRequest)
	}
	if c.opts.Uploader == nil {
		return nil, fmt.Errorf("%w: uploads are not configured", domain.ErrInvalidRequest)
	}
	if req.PartSize < 0 {
		return nil, fmt.Errorf("%w: negative part size", domain.ErrInvalidRequest)
	}

	fi, err := os.Stat(req.LocalPath)
	if err != nil {
		return nil, &domain.StorageError{Op: "stat", Path: req.LocalPath, Err: err}
	}
	if !fi.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", domain.ErrInvalidRequest, req.LocalPath)
	}

	s := newSession(ctx, uuid.NewString(), domain.DirectionUpload, c.opts.Progress)
	s.Owner = req.Owner
	s.LocalPath = req.LocalPath
	s.Object = objstore.Object{Bucket: req.Bucket, Key: req.Key}
	s.cancellable = c.opts.Uploader.Cancellable(fi.Size())
	s.agg.SetTotal(fi.Size())

	if err := c.start(s, domain.StateUploading); err != nil {
		return nil, err
	}
	go c.runUpload(s, req)
	return s, nil
}

// start moves s to its active state before it becomes visible in the
// registry, so Close and CancelOwner never see it settled.
func (c *Coordinator) start(s *Session, to domain.State) error {
	if _, err := s.transition(to); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err := c.registry.Reserve(s); err != nil {
		c.mu.Unlock()
		return err
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info("session started", "session", s.ID, "direction", s.Direction, "path", s.LocalPath)
	c.emit(s, events.Event{Type: events.TypeState, State: to})
	return nil
}

func (c *Coordinator) runDownload(s *Session) {
	defer c.wg.Done()

	stop := c.watch(s)
	ctx := s.token.Context()
	log := c.log.With("session", s.ID, "url", s.ResourceKey)

	err := c.download(ctx, s, log)
	if err == nil {
		err = c.extract(ctx, s)
	}
	stop()
	c.finish(s, err, s.LocalPath)
}

func (c *Coordinator) download(ctx context.Context, s *Session, log *slog.Logger) error {
	info, err := c.opts.Downloader.Probe(ctx, s.ResourceKey)
	if err != nil {
		return err
	}
	remote := info.Identity()
	if info.Size >= 0 {
		s.agg.SetTotal(info.Size)
	}

	var offset int64
	if s.Resume && c.opts.Resume != nil && info.AcceptsRanges {
		rec, err := c.opts.Resume.Check(ctx, s.ResourceKey, s.LocalPath, remote)
		if err != nil {
			log.Warn("resume check failed, starting fresh", "error", err)
		} else if rec != nil {
			offset = rec.DownloadedBytes
		}
	}
	if offset > 0 {
		log.Info("resuming download", "offset", offset, "total", info.Size)
		s.setResumed(true, remote)
		s.agg.Update(offset)
	} else {
		s.setResumed(false, remote)
	}

	_, err = c.fetch(ctx, s, remote, offset, log)
	if errors.Is(err, domain.ErrResumeMismatch) && ctx.Err() == nil {
		log.Warn("remote changed since the partial download, restarting", "offset", offset)

		info, err = c.opts.Downloader.Probe(ctx, s.ResourceKey)
		if err != nil {
			return err
		}
		remote = info.Identity()
		s.setResumed(false, remote)
		s.agg.Reset()
		if info.Size >= 0 {
			s.agg.SetTotal(info.Size)
		}
		_, err = c.fetch(ctx, s, remote, 0, log)
	}
	if err != nil {
		return err
	}

	if c.opts.Resume != nil {
		if err := c.opts.Resume.Clear(context.WithoutCancel(ctx), s.ResourceKey, s.LocalPath); err != nil {
			log.Warn("clearing resume record failed", "error", err)
		}
	}
	return nil
}

func (c *Coordinator) fetch(ctx context.Context, s *Session, remote domain.RemoteIdentity, offset int64, log *slog.Logger) (int64, error) {
	job := downloader.Job{
		URL:        s.ResourceKey,
		LocalPath:  s.LocalPath,
		Offset:     offset,
		Remote:     remote,
		OnProgress: s.agg.Update,
	}

	if store := c.opts.Resume; store != nil {
		if err := store.Begin(ctx, s.ResourceKey, s.LocalPath, remote, offset); err != nil {
			log.Warn("writing resume record failed", "error", err)
		}
		job.OnCheckpoint = func(ctx context.Context, durable int64) error {
			return store.RecordProgress(ctx, s.ResourceKey, s.LocalPath, durable)
		}
	}

	return c.opts.Downloader.Download(ctx, job)
}

func (c *Coordinator) extract(ctx context.Context, s *Session) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", domain.ErrUserCancelled, ctx.Err())
	}
	if _, err := s.transition(domain.StateExtracting); err != nil {
		// Only a concurrent cancel moves a downloading session elsewhere.
		return domain.ErrUserCancelled
	}
	c.emit(s, events.Event{Type: events.TypeState})

	err := c.extractor.Extract(ctx, s.LocalPath, func(p domain.ExtractProgress) {
		c.emit(s, events.Event{Type: events.TypeExtract, Extract: &p})
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", domain.ErrUserCancelled, ctx.Err())
		}
		return fmt.Errorf("extract %s: %w", s.LocalPath, err)
	}
	return nil
}

func (c *Coordinator) runUpload(s *Session, req UploadRequest) {
	defer c.wg.Done()

	stop := c.watch(s)
	res, err := c.opts.Uploader.Upload(s.token.Context(), uploader.Job{
		LocalPath:   req.LocalPath,
		Object:      s.Object,
		PartSize:    req.PartSize,
		ContentType: req.ContentType,
	}, func(loaded, total int64) {
		s.agg.SetTotal(total)
		s.agg.Update(loaded)
	})
	stop()

	var location string
	if err == nil {
		location = res.Location
	}
	c.finish(s, err, location)
}

// watch runs the session's aggregator and forwards its snapshots to the
// event sink. The returned function publishes a final snapshot and waits
// until it was forwarded.
func (c *Coordinator) watch(s *Session) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	go func() {
		defer close(ran)
		s.agg.Run(ctx)
	}()

	snaps, _ := s.agg.Subscribe()
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for snap := range snaps {
			c.publishProgress(s, snap)
		}
	}()

	return func() {
		cancel()
		<-ran
		s.agg.Close()
		<-forwarded
	}
}

func (c *Coordinator) publishProgress(s *Session, snap domain.Snapshot) {
	if s.Direction == domain.DirectionUpload {
		c.emit(s, events.Event{Type: events.TypeUploadProgress, Upload: uploadProgress(s, snap)})
		return
	}
	c.emit(s, events.Event{Type: events.TypeProgress, Progress: &snap})
}

func uploadProgress(s *Session, snap domain.Snapshot) *events.UploadProgress {
	return &events.UploadProgress{
		Key:         s.Object.Key,
		LoadedBytes: snap.TransferredBytes,
		TotalBytes:  snap.TotalBytes,
		Percent:     snap.Percent,
	}
}

// finish settles the session, releases its resources and publishes the
// terminal event.
func (c *Coordinator) finish(s *Session, err error, location string) {
	log := c.log.With("session", s.ID)

	from, to, err := s.settle(err, location)
	if from != to && !CanTransition(from, to) {
		log.Error("unexpected transition", "from", from, "to", to)
	}

	var ev events.Event
	switch to {
	case domain.StateCompleted:
		log.Info("session completed", "location", location)
		ev = events.Event{Type: events.TypeCompleted, Location: location}

	case domain.StateCancelling:
		if s.Direction == domain.DirectionDownload && !s.Resume {
			c.discard(s, log)
		}
		if _, terr := s.transition(domain.StateIdle); terr != nil {
			log.Error("settling cancelled session", "error", terr)
		}
		log.Info("session cancelled")
		ev = events.Event{Type: events.TypeCancelled}

	default:
		log.Error("session failed", "error", err)
		ev = events.Event{Type: events.TypeFailed, Reason: domain.Reason(err)}
	}

	c.retire(s)

	if s.Direction == domain.DirectionUpload {
		up := uploadProgress(s, s.agg.Latest())
		up.Completed = ev.Type == events.TypeCompleted
		up.Cancelled = ev.Type == events.TypeCancelled
		up.Failed = ev.Type == events.TypeFailed
		c.emit(s, events.Event{Type: events.TypeUploadProgress, Upload: up})
	}
	c.emit(s, ev)
	close(s.done)
}

// discard deletes the partial file and its record.
func (c *Coordinator) discard(s *Session, log *slog.Logger) {
	if err := os.Remove(s.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("removing partial file failed", "path", s.LocalPath, "error", err)
	}
	if c.opts.Resume != nil {
		if err := c.opts.Resume.Clear(context.Background(), s.ResourceKey, s.LocalPath); err != nil {
			log.Warn("clearing resume record failed", "error", err)
		}
	}
}

func (c *Coordinator) retire(s *Session) {
	c.registry.Remove(s.ID)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.finished[s.ID] = s
	c.order = append(c.order, s.ID)
	for len(c.order) > c.opts.KeepFinished {
		delete(c.finished, c.order[0])
		c.order = c.order[1:]
	}
}

// Cancel requests cancellation of a session and returns without waiting.
// Cancelling a session that already finished or is being cancelled is a
// no-op. Uploads that cannot be interrupted return domain.ErrNotCancellable.
func (c *Coordinator) Cancel(id string) error {
	s, err := c.Session(id)
	if err != nil {
		return err
	}
	return c.cancel(s)
}

func (c *Coordinator) cancel(s *Session) error {
	s.mu.Lock()
	if s.state.Settled() || s.state == domain.StateCancelling {
		s.mu.Unlock()
		return nil
	}
	if !s.cancellable {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s", domain.ErrNotCancellable, s.ID)
	}
	s.state = domain.StateCancelling
	s.mu.Unlock()

	c.log.Info("cancelling session", "session", s.ID)
	c.emit(s, events.Event{Type: events.TypeState, State: domain.StateCancelling})
	s.token.Cancel()
	return nil
}

// CancelOwner cancels every in-flight session started by owner and returns
// how many were cancelled.
func (c *Coordinator) CancelOwner(owner string) int {
	var n int
	for _, s := range c.registry.Owned(owner) {
		if err := c.cancel(s); err != nil {
			c.log.Warn("cancel by owner skipped session", "session", s.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

// Session returns an in-flight or recently finished session.
func (c *Coordinator) Session(id string) (*Session, error) {
	if s, ok := c.registry.Get(id); ok {
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.finished[id]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
}

// Sessions returns the in-flight sessions, oldest first.
func (c *Coordinator) Sessions() []Info {
	all := c.registry.All()
	out := make([]Info, len(all))
	for i, s := range all {
		out[i] = s.Info()
	}
	return out
}

// Subscribe streams a session's progress snapshots with latest-wins
// semantics. The channel closes when the session finished.
func (c *Coordinator) Subscribe(id string) (<-chan domain.Snapshot, func(), error) {
	s, err := c.Session(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := s.agg.Subscribe()
	return ch, cancel, nil
}

// Close stops accepting sessions, cancels the running ones and waits for
// them to settle or for ctx to expire. Partial files of sessions started
// without resume are deleted; resumable ones are kept with their records.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	for _, s := range c.registry.All() {
		if err := c.cancel(s); err != nil {
			c.log.Info("waiting for session that cannot be cancelled", "session", s.ID)
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) emit(s *Session, ev events.Event) {
	ev.SessionID = s.ID
	ev.Direction = s.Direction
	if ev.State == "" {
		ev.State = s.State()
	}
	ev.At = time.Now()

	if err := c.sink.Publish(context.Background(), ev); err != nil {
		c.log.Warn("publishing event failed", "session", s.ID, "type", ev.Type, "error", err)
	}
}
