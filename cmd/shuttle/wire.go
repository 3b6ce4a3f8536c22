package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/ligustah/shuttle/internal/config"
	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/downloader"
	"github.com/ligustah/shuttle/internal/events"
	shttp "github.com/ligustah/shuttle/internal/http"
	"github.com/ligustah/shuttle/internal/objstore"
	"github.com/ligustah/shuttle/internal/objstore/blobstore"
	"github.com/ligustah/shuttle/internal/objstore/miniostore"
	"github.com/ligustah/shuttle/internal/objstore/s3store"
	"github.com/ligustah/shuttle/internal/progress"
	"github.com/ligustah/shuttle/internal/resume"
	"github.com/ligustah/shuttle/internal/transfer"
	"github.com/ligustah/shuttle/internal/uploader"
)

// components selects what a command needs from the coordinator.
type components struct {
	downloads bool
	uploads   bool
}

// coordinator is a transfer.Coordinator plus everything it owns.
type coordinator struct {
	*transfer.Coordinator
	closers []io.Closer
}

// Close stops the coordinator, then releases stores and sinks.
func (c *coordinator) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	errs := []error{c.Coordinator.Close(ctx)}
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i].Close())
	}
	return errors.Join(errs...)
}

func (a *app) newCoordinator(ctx context.Context, want components) (_ *coordinator, err error) {
	c := &coordinator{}
	defer func() {
		if err != nil {
			for i := len(c.closers) - 1; i >= 0; i-- {
				_ = c.closers[i].Close()
			}
		}
	}()

	opts := transfer.Options{
		Progress: progress.Options{
			Interval:     a.cfg.Progress.Interval,
			TextInterval: a.cfg.Progress.TextInterval,
			Estimator:    progress.DefaultEstimatorOptions(),
		},
		Logger: a.log,
	}

	if want.downloads {
		store, err := a.openResume(ctx)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, store)
		opts.Resume = store
		opts.Downloader = a.newDownloader()
	}

	if want.uploads {
		store, err := a.openObjectStore(ctx)
		if err != nil {
			return nil, err
		}
		if closer, ok := store.(io.Closer); ok {
			c.closers = append(c.closers, closer)
		}
		opts.Uploader = a.newUploader(store)
	}

	sink, closer, err := a.openEvents()
	if err != nil {
		return nil, err
	}
	if closer != nil {
		c.closers = append(c.closers, closer)
	}
	opts.Events = sink

	c.Coordinator = transfer.New(opts)
	return c, nil
}

func (a *app) openResume(ctx context.Context) (*resume.Store, error) {
	store, err := resume.Open(ctx, a.cfg.StateURL)
	if err != nil {
		return nil, &domain.StorageError{Op: "open state", Path: a.cfg.StateURL, Err: err}
	}
	return store, nil
}

func (a *app) newDownloader() *downloader.Engine {
	d := a.cfg.Download
	return downloader.New(downloader.Options{
		BufferSize:    int(d.BufferSize),
		FlushInterval: int64(d.FlushInterval),
		RateLimit:     int64(d.RateLimit),
		HTTPOptions: shttp.Options{
			MaxIdleConnsPerHost: d.MaxIdleConnsPerHost,
			Timeout:             d.Timeout,
			RetryAttempts:       d.Retry.Attempts,
			RetryBackoff:        d.Retry.Backoff,
			RetryMaxBackoff:     d.Retry.MaxBackoff,
		},
		Logger: a.log.With("component", "downloader"),
	})
}

func (a *app) newUploader(store objstore.Store) *uploader.Engine {
	u := a.cfg.Upload
	opts := uploader.DefaultOptions()
	opts.PartSize = int64(u.PartSize)
	opts.MaxConcurrentParts = u.MaxConcurrentParts
	opts.MultipartThreshold = int64(u.MultipartThreshold)
	opts.CancelSinglePut = u.CancelSinglePut
	opts.Logger = a.log.With("component", "uploader")
	return uploader.New(store, opts)
}

// openObjectStore builds the backend named by upload.backend.
func (a *app) openObjectStore(ctx context.Context) (objstore.Store, error) {
	u := a.cfg.Upload
	log := a.log.With("component", "objstore", "backend", u.Backend)

	switch u.Backend {
	case config.BackendBlob:
		return blobstore.New(blobstore.URLOpener(u.BucketURL), blobstore.WithLogger(log)), nil

	case config.BackendMinio:
		store, err := miniostore.New(miniostore.Config{
			Endpoint:  u.Endpoint,
			AccessKey: u.AccessKey,
			SecretKey: u.SecretKey,
			Region:    u.Region,
			UseSSL:    u.UseSSL,
		}, log)
		if err != nil {
			return nil, &domain.StorageError{Op: "connect", Path: u.Endpoint, Err: err}
		}
		return store, nil

	case config.BackendS3:
		store, err := s3store.New(ctx, s3store.Config{
			Region:       u.Region,
			Endpoint:     u.Endpoint,
			AccessKey:    u.AccessKey,
			SecretKey:    u.SecretKey,
			UsePathStyle: u.PathStyle,
		}, log)
		if err != nil {
			return nil, &domain.StorageError{Op: "connect", Path: "s3", Err: err}
		}
		return store, nil

	default:
		return nil, usage(fmt.Errorf("unknown upload backend %q", u.Backend))
	}
}

// openEvents always logs events and additionally publishes them to NATS when
// events.nats_url is set.
func (a *app) openEvents() (events.Sink, io.Closer, error) {
	logSink := events.NewLogSink(a.log.With("component", "events"))
	if a.cfg.Events.NATSURL == "" {
		return logSink, nil, nil
	}

	natsSink, err := events.NewNATSSink(events.NATSConfig{
		URL:    a.cfg.Events.NATSURL,
		Prefix: a.cfg.Events.Prefix,
	}, a.log.With("component", "nats"))
	if err != nil {
		return nil, nil, err
	}
	return events.Multi(logSink, natsSink), natsSink, nil
}
