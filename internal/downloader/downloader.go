package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/time/rate"

	"github.com/ligustah/shuttle/internal/domain"
	shttp "github.com/ligustah/shuttle/internal/http"
)

// Options configures the download engine.
type Options struct {
	// BufferSize is the size of each read from the response body.
	// Default: 256KiB
	BufferSize int

	// FlushInterval is how many bytes are written between fsync + checkpoint.
	// Default: 8MiB
	FlushInterval int64

	// RateLimit caps throughput in bytes per second. 0 means unlimited.
	RateLimit int64

	// MaxRetries bounds how often a failed request or a broken body stream
	// is retried without any bytes arriving in between. The engine is the
	// only layer retrying GETs.
	// Default: the client's RetryAttempts
	MaxRetries int

	// HTTPOptions configures the HTTP client when Client is nil. Zero fields
	// take their value from shttp.DefaultOptions.
	HTTPOptions shttp.Options

	// Client overrides the HTTP client.
	Client *shttp.Client

	// Logger receives retry and checkpoint diagnostics.
	Logger *slog.Logger
}

// Job describes one fetch into a local file.
type Job struct {
	URL       string
	LocalPath string

	// Offset is the number of bytes already on disk that are kept.
	// Zero truncates the file.
	Offset int64

	// Remote is the identity the offset was recorded against. Its ETag, or
	// its Last-Modified date when there is no ETag, guards the range request;
	// its Size, when positive, is the expected total.
	Remote domain.RemoteIdentity

	// OnProgress receives the cumulative byte count after every buffer.
	OnProgress func(written int64)

	// OnCheckpoint is called after the file was synced to disk, with the
	// number of bytes that are now durable.
	OnCheckpoint func(ctx context.Context, durable int64) error
}

// Engine downloads remote resources into local files, resuming from an
// offset when asked to.
type Engine struct {
	client  *shttp.Client
	opts    Options
	limiter *rate.Limiter
	log     *slog.Logger
}

// New creates an Engine.
func New(opts Options) *Engine {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256 * 1024
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 8 * 1024 * 1024
	}
	if opts.Client == nil {
		opts.Client = shttp.NewClient(withHTTPDefaults(opts.HTTPOptions))
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = opts.Client.Options().RetryAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	e := &Engine{
		client: opts.Client,
		opts:   opts,
		log:    opts.Logger,
	}

	if opts.RateLimit > 0 {
		burst := opts.BufferSize
		if int64(burst) < opts.RateLimit {
			burst = int(opts.RateLimit)
		}
		e.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	return e
}

// withHTTPDefaults fills the zero fields of o. RetryAttempts is kept as
// given since zero disables retries, unless o is entirely unset.
func withHTTPDefaults(o shttp.Options) shttp.Options {
	def := shttp.DefaultOptions()
	if o == (shttp.Options{}) {
		return def
	}
	if o.MaxIdleConnsPerHost <= 0 {
		o.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.RetryMaxBackoff <= 0 {
		o.RetryMaxBackoff = def.RetryMaxBackoff
	}
	return o
}

// Probe fetches the size and ETag of a remote resource.
func (e *Engine) Probe(ctx context.Context, url string) (*shttp.FileInfo, error) {
	return e.client.Head(ctx, url)
}

// Download fetches job.URL into job.LocalPath. It returns the number of bytes
// durably on disk, which is also meaningful when an error is returned.
//
// A resumed fetch that the server answers with the whole resource, or with
// a different ETag, fails with domain.ErrResumeMismatch; nothing past Offset
// is written in that case. Cancelling ctx yields domain.ErrUserCancelled
// after a final checkpoint.
func (e *Engine) Download(ctx context.Context, job Job) (int64, error) {
	f, err := openTarget(job.LocalPath, job.Offset)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	d := &download{
		engine:  e,
		job:     job,
		file:    f,
		written: job.Offset,
		durable: job.Offset,
		total:   -1,
	}
	if job.Remote.Size > 0 {
		d.total = job.Remote.Size
	}

	err = d.run(ctx)
	if serr := d.checkpoint(context.WithoutCancel(ctx)); serr != nil && err == nil {
		err = serr
	}
	if err != nil {
		return d.durable, err
	}

	if err := f.Close(); err != nil {
		return d.durable, &domain.StorageError{Op: "close", Path: job.LocalPath, Err: err}
	}
	return d.durable, nil
}

// openTarget opens the destination, keeping exactly offset bytes.
func openTarget(path string, offset int64) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if offset <= 0 {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, &domain.StorageError{Op: "open", Path: path, Err: err}
	}

	if offset > 0 {
		// Bytes past the last checkpoint are not trusted.
		if err := f.Truncate(offset); err != nil {
			f.Close()
			return nil, &domain.StorageError{Op: "truncate", Path: path, Err: err}
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, &domain.StorageError{Op: "seek", Path: path, Err: err}
		}
	}

	return f, nil
}

type download struct {
	engine *Engine
	job    Job
	file   *os.File

	written    int64 // bytes handed to the file
	durable    int64 // bytes synced and checkpointed
	total      int64 // -1 if unknown
	sinceFlush int64
}

func (d *download) run(ctx context.Context) error {
	e := d.engine
	buf := make([]byte, e.opts.BufferSize)
	failures := 0

	for {
		if d.total >= 0 && d.written >= d.total {
			return nil
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}

		done, progressed, err := d.fetch(ctx, buf)
		if done {
			return nil
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		if !domain.Retryable(err) {
			return err
		}

		if progressed {
			failures = 0
		}
		failures++
		if failures > e.opts.MaxRetries {
			var netErr *domain.NetworkError
			if errors.As(err, &netErr) {
				netErr.Attempts = failures
				return netErr
			}
			return err
		}

		e.log.Warn("download interrupted, retrying",
			"url", d.job.URL, "offset", d.written, "attempt", failures, "error", err)
		if err := e.client.Backoff(ctx, failures); err != nil {
			return cancelled(ctx)
		}
	}
}

// fetch opens the resource at the current offset and streams it to disk.
// It reports whether the resource is complete and whether any bytes arrived.
func (d *download) fetch(ctx context.Context, buf []byte) (done, progressed bool, err error) {
	e := d.engine
	resuming := d.written > 0

	resp, err := e.client.GetFrom(ctx, d.job.URL, d.written, d.job.Remote)
	if err != nil {
		if resuming && errors.Is(err, domain.ErrRangeNotSupported) {
			return false, false, fmt.Errorf("%w: range from %d rejected", domain.ErrResumeMismatch, d.written)
		}
		return false, false, err
	}
	defer resp.Body.Close()

	if resuming {
		switch {
		case !resp.Partial:
			return false, false, fmt.Errorf("%w: server returned the full resource", domain.ErrResumeMismatch)
		case resp.Start != d.written:
			return false, false, fmt.Errorf("%w: range starts at %d, want %d", domain.ErrResumeMismatch, resp.Start, d.written)
		case d.job.Remote.ETag != "" && resp.ETag != "" && resp.ETag != d.job.Remote.ETag:
			return false, false, fmt.Errorf("%w: etag %q, want %q", domain.ErrResumeMismatch, resp.ETag, d.job.Remote.ETag)
		}
	}

	if !resuming && d.job.Remote.ETag == "" && d.job.Remote.LastModified.IsZero() {
		// Later retries resume against what this response served.
		d.job.Remote.ETag = resp.ETag
		d.job.Remote.LastModified = resp.LastModified
	}

	if d.total < 0 && resp.Total >= 0 {
		d.total = resp.Total
		if !resp.Partial {
			d.total = d.written + resp.Total
		}
	}

	for {
		if ctx.Err() != nil {
			return false, progressed, ctx.Err()
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if e.limiter != nil {
				if err := e.limiter.WaitN(ctx, n); err != nil {
					return false, progressed, err
				}
			}
			if err := d.write(ctx, buf[:n]); err != nil {
				return false, progressed, err
			}
			progressed = true
		}

		if rerr == io.EOF {
			if d.total >= 0 && d.written < d.total {
				return false, progressed, &domain.NetworkError{
					Op:  "read " + d.job.URL,
					Err: fmt.Errorf("body ended at %d of %d bytes", d.written, d.total),
				}
			}
			return true, progressed, nil
		}
		if rerr != nil {
			return false, progressed, &domain.NetworkError{Op: "read " + d.job.URL, Err: rerr}
		}
	}
}

func (d *download) write(ctx context.Context, p []byte) error {
	if _, err := d.file.Write(p); err != nil {
		return &domain.StorageError{Op: "write", Path: d.job.LocalPath, Err: err}
	}

	d.written += int64(len(p))
	d.sinceFlush += int64(len(p))
	if d.job.OnProgress != nil {
		d.job.OnProgress(d.written)
	}

	if d.sinceFlush >= d.engine.opts.FlushInterval {
		return d.checkpoint(ctx)
	}
	return nil
}

// checkpoint syncs the file and reports the durable length. The callback only
// ever sees bytes that are on disk.
func (d *download) checkpoint(ctx context.Context) error {
	if d.written == d.durable {
		return nil
	}
	if err := d.file.Sync(); err != nil {
		return &domain.StorageError{Op: "sync", Path: d.job.LocalPath, Err: err}
	}

	d.durable = d.written
	d.sinceFlush = 0

	if d.job.OnCheckpoint != nil {
		if err := d.job.OnCheckpoint(ctx, d.durable); err != nil {
			d.engine.log.Warn("checkpoint failed", "path", d.job.LocalPath, "bytes", d.durable, "error", err)
		}
	}
	return nil
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", domain.ErrUserCancelled, ctx.Err())
}
