package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/objstore"
)

// ErrPartsRemain is returned when aborting left parts on the backend.
var ErrPartsRemain = errors.New("uploader: parts remain after abort")

// Options configures the upload engine.
type Options struct {
	// PartSize is the size of each multipart part.
	// Default: 8MiB
	PartSize int64

	// MaxConcurrentParts bounds how many parts are in flight.
	// Default: 4
	MaxConcurrentParts int

	// MultipartThreshold is the smallest file uploaded as multipart. Smaller
	// files use a single put.
	// Default: 16MiB
	MultipartThreshold int64

	// CancelSinglePut lets cancellation interrupt a single put. When false a
	// single put always runs to completion.
	// Default: true
	CancelSinglePut bool

	// AbortAttempts bounds the abort + verify rounds.
	// Default: 3
	AbortAttempts int

	// AbortTimeout bounds cleanup after a failure or cancellation.
	// Default: 1m
	AbortTimeout time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		PartSize:           8 * 1024 * 1024,
		MaxConcurrentParts: 4,
		MultipartThreshold: 16 * 1024 * 1024,
		CancelSinglePut:    true,
		AbortAttempts:      3,
		AbortTimeout:       time.Minute,
	}
}

// Job describes one upload.
type Job struct {
	LocalPath string
	Object    objstore.Object

	// PartSize overrides Options.PartSize for this job.
	PartSize int64

	// ContentType is detected from the file head when empty.
	ContentType string
}

// ProgressFunc receives loaded/total for the whole file. loaded includes
// bytes of parts still in flight.
type ProgressFunc func(loaded, total int64)

// Result describes a committed upload.
type Result struct {
	objstore.ObjectInfo

	Multipart bool
	UploadID  string
	Parts     []domain.UploadPart
}

// Engine uploads local files to an object store.
type Engine struct {
	store objstore.Store
	opts  Options
	log   *slog.Logger
}

// New creates an Engine. Zero numeric options take their defaults.
func New(store objstore.Store, opts Options) *Engine {
	def := DefaultOptions()
	if opts.PartSize <= 0 {
		opts.PartSize = def.PartSize
	}
	if opts.MaxConcurrentParts <= 0 {
		opts.MaxConcurrentParts = def.MaxConcurrentParts
	}
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = def.MultipartThreshold
	}
	if opts.AbortAttempts <= 0 {
		opts.AbortAttempts = def.AbortAttempts
	}
	if opts.AbortTimeout <= 0 {
		opts.AbortTimeout = def.AbortTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{store: store, opts: opts, log: opts.Logger}
}

// Multipart reports whether a file of size bytes is uploaded in parts.
func (e *Engine) Multipart(size int64) bool {
	return size >= e.opts.MultipartThreshold
}

// Cancellable reports whether an upload of size bytes can be cancelled.
func (e *Engine) Cancellable(size int64) bool {
	return e.Multipart(size) || e.opts.CancelSinglePut
}

// Upload sends job.LocalPath to job.Object. Cancelling ctx aborts the upload
// and yields domain.ErrUserCancelled once the backend holds no parts, unless
// the upload is not Cancellable, in which case it completes regardless.
func (e *Engine) Upload(ctx context.Context, job Job, progress ProgressFunc) (*Result, error) {
	f, err := os.Open(job.LocalPath)
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Path: job.LocalPath, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, &domain.StorageError{Op: "stat", Path: job.LocalPath, Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", domain.ErrInvalidRequest, job.LocalPath)
	}
	size := info.Size()

	if job.ContentType == "" {
		job.ContentType = detectContentType(f)
	}
	if progress == nil {
		progress = func(int64, int64) {}
	}

	if !e.Multipart(size) {
		return e.put(ctx, f, size, job, progress)
	}

	partSize := job.PartSize
	if partSize <= 0 {
		partSize = e.opts.PartSize
	}
	return e.multipart(ctx, f, size, partSize, job, progress)
}

func (e *Engine) put(ctx context.Context, f *os.File, size int64, job Job, progress ProgressFunc) (*Result, error) {
	if !e.opts.CancelSinglePut {
		ctx = context.WithoutCancel(ctx)
	}

	var loaded atomic.Int64
	r := &countingReader{
		r: io.NewSectionReader(f, 0, size),
		onRead: func(delta int64) {
			progress(loaded.Add(delta), size)
		},
	}

	info, err := e.store.PutObject(ctx, job.Object, r, size, job.ContentType)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrUserCancelled, ctx.Err())
		}
		return nil, err
	}

	progress(size, size)
	return &Result{ObjectInfo: *info}, nil
}

func (e *Engine) multipart(ctx context.Context, f *os.File, size, partSize int64, job Job, progress ProgressFunc) (*Result, error) {
	uploadID, err := e.store.CreateMultipartUpload(ctx, job.Object, job.ContentType)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrUserCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("initiate upload: %w", err)
	}

	log := e.log.With("object", job.Object.String(), "upload_id", uploadID)
	parts := domain.SplitParts(size, partSize)
	log.Debug("multipart upload started", "parts", len(parts), "part_size", partSize)

	var loaded atomic.Int64
	report := func(delta int64) {
		progress(loaded.Add(delta), size)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.MaxConcurrentParts)

	for i := range parts {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			p := &parts[i]
			r := &countingReader{r: io.NewSectionReader(f, p.Offset, p.Size), onRead: report}

			etag, err := e.store.UploadPart(gctx, job.Object, uploadID, p.PartNumber, r, p.Size)
			if err != nil {
				report(-r.count())
				return &domain.UploadPartError{UploadID: uploadID, PartNumber: p.PartNumber, Err: err}
			}
			p.ETag = etag
			return nil
		})
	}
	err = g.Wait()

	if ctx.Err() != nil {
		if aerr := e.Abort(ctx, job.Object, uploadID); aerr != nil {
			log.Error("abort after cancel failed", "error", aerr)
			return nil, fmt.Errorf("%w: %w", domain.ErrUserCancelled, aerr)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrUserCancelled, ctx.Err())
	}
	if err != nil {
		log.Warn("part upload failed, aborting", "error", err)
		if aerr := e.Abort(ctx, job.Object, uploadID); aerr != nil {
			return nil, errors.Join(err, aerr)
		}
		return nil, err
	}

	info, err := e.store.CompleteMultipartUpload(ctx, job.Object, uploadID, parts)
	if err != nil {
		if aerr := e.Abort(ctx, job.Object, uploadID); aerr != nil {
			return nil, errors.Join(fmt.Errorf("complete upload: %w", err), aerr)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrUserCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("complete upload: %w", err)
	}

	progress(size, size)
	log.Debug("multipart upload completed", "etag", info.ETag)
	return &Result{
		ObjectInfo: *info,
		Multipart:  true,
		UploadID:   uploadID,
		Parts:      parts,
	}, nil
}

// Abort discards a multipart upload and verifies the backend holds no parts
// for it, re-issuing the abort while any remain. Aborting an upload that is
// already gone succeeds, so Abort is safe to call repeatedly. It runs on a
// context detached from ctx's cancellation.
func (e *Engine) Abort(ctx context.Context, obj objstore.Object, uploadID string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.AbortTimeout)
	defer cancel()

	var remaining []domain.UploadPart
	for attempt := 1; attempt <= e.opts.AbortAttempts; attempt++ {
		err := e.store.AbortMultipartUpload(ctx, obj, uploadID)
		if err != nil && !errors.Is(err, objstore.ErrNoSuchUpload) {
			e.log.Warn("abort failed", "upload_id", uploadID, "attempt", attempt, "error", err)
			continue
		}

		remaining, err = e.store.ListParts(ctx, obj, uploadID)
		if errors.Is(err, objstore.ErrNoSuchUpload) || (err == nil && len(remaining) == 0) {
			return nil
		}
		if err != nil {
			e.log.Warn("verifying abort failed", "upload_id", uploadID, "attempt", attempt, "error", err)
			continue
		}
		e.log.Warn("parts remain after abort", "upload_id", uploadID, "attempt", attempt, "parts", len(remaining))
	}

	return fmt.Errorf("%w: upload %s, %d parts", ErrPartsRemain, uploadID, len(remaining))
}

// detectContentType sniffs the file head. The file offset is not changed.
func detectContentType(f *os.File) string {
	buf := make([]byte, 3072)
	n, _ := f.ReadAt(buf, 0)
	if n == 0 {
		return "application/octet-stream"
	}
	return mimetype.Detect(buf[:n]).String()
}

// countingReader reports bytes read from a part and takes them back when
// the part is rewound for a retry.
type countingReader struct {
	r      *io.SectionReader
	onRead func(delta int64)

	mu sync.Mutex
	n  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.n += int64(n)
		c.mu.Unlock()
		c.onRead(int64(n))
	}
	return n, err
}

func (c *countingReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := c.r.Seek(offset, whence)
	if err != nil {
		return pos, err
	}

	// Only rewinds give bytes back; seeking forward to learn the length
	// does not count as reading.
	var delta int64
	c.mu.Lock()
	if pos < c.n {
		delta = pos - c.n
		c.n = pos
	}
	c.mu.Unlock()

	if delta != 0 {
		c.onRead(delta)
	}
	return pos, nil
}

func (c *countingReader) count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
