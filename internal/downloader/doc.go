// Package downloader streams a remote HTTP resource into a local file with
// resume support.
//
// # Usage
//
//	engine := downloader.New(downloader.Options{RateLimit: 10 << 20})
//	n, err := engine.Download(ctx, downloader.Job{
//	    URL:       url,
//	    LocalPath: "/data/image.tar",
//	    Offset:    rec.DownloadedBytes,
//	    Remote:    rec.Remote,
//	    OnProgress: agg.Update,
//	    OnCheckpoint: func(ctx context.Context, n int64) error {
//	        return store.RecordProgress(ctx, key, path, n)
//	    },
//	})
//
// # Resume
//
// With a positive Offset the file is truncated to Offset (bytes past the last
// checkpoint are not trusted) and a "bytes=Offset-" range is requested,
// guarded by If-Range on the recorded ETag, or on the Last-Modified date for
// servers that send no ETag. A server that answers with the full resource instead
// yields domain.ErrResumeMismatch and the caller restarts from zero.
//
// # Durability
//
// Every FlushInterval bytes the file is fsynced before OnCheckpoint is
// called, so a persisted checkpoint never claims bytes that are not on disk.
//
// # Retries
//
// The engine is the only layer retrying GETs. Connection failures, 5xx
// responses and body streams that break mid-transfer are retried from the
// current offset with the client's backoff, at most MaxRetries times in a row
// without progress.
package downloader
