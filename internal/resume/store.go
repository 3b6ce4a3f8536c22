package resume

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/shuttle/internal/domain"
)

// Record describes a partially downloaded file.
type Record struct {
	ResourceKey     string                `json:"resource_key"`
	LocalPath       string                `json:"local_path"`
	DownloadedBytes int64                 `json:"downloaded_bytes"`
	Remote          domain.RemoteIdentity `json:"remote"`
	StartedAt       time.Time             `json:"started_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Options configures a Store.
type Options struct {
	// Prefix is prepended to every record object name.
	Prefix string
}

// Option is a functional option for configuring a Store.
type Option func(*Options)

// WithPrefix sets the object name prefix for records.
func WithPrefix(prefix string) Option {
	return func(o *Options) {
		o.Prefix = prefix
	}
}

// Store persists resume records in a blob bucket.
type Store struct {
	bucket *blob.Bucket
	opts   Options
	owned  bool

	mu    sync.Mutex
	cache map[string]Record
}

// New creates a Store on an already opened bucket. The caller keeps
// ownership of the bucket.
func New(bucket *blob.Bucket, options ...Option) *Store {
	opts := Options{Prefix: "records/"}
	for _, opt := range options {
		opt(&opts)
	}
	return &Store{
		bucket: bucket,
		opts:   opts,
		cache:  make(map[string]Record),
	}
}

// Open opens the bucket at url (for example "file:///var/lib/shuttle") and
// returns a Store that closes it on Close.
func Open(ctx context.Context, url string, options ...Option) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("resume: open bucket: %w", err)
	}
	s := New(bucket, options...)
	s.owned = true
	return s, nil
}

// Close releases the bucket if the Store opened it.
func (s *Store) Close() error {
	if s.owned {
		return s.bucket.Close()
	}
	return nil
}

// Check returns the record for (key, path) if the partial file can be resumed
// against the live remote identity. Otherwise it returns nil and deletes any
// stale record.
//
// A record is valid when the stored identity matches remote and the local
// file holds at least DownloadedBytes. The file may be longer than the record
// after a crash between a write and the next record update; callers truncate
// it back to DownloadedBytes before resuming.
func (s *Store) Check(ctx context.Context, key, path string, remote domain.RemoteIdentity) (*Record, error) {
	rec, err := s.Lookup(ctx, key, path)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	if !s.valid(rec, remote) {
		if err := s.Clear(ctx, key, path); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return rec, nil
}

func (s *Store) valid(rec *Record, remote domain.RemoteIdentity) bool {
	if !rec.Remote.Matches(remote) {
		return false
	}
	if rec.DownloadedBytes <= 0 {
		return false
	}
	if remote.Size >= 0 && rec.DownloadedBytes > remote.Size {
		return false
	}

	fi, err := os.Stat(rec.LocalPath)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return fi.Size() >= rec.DownloadedBytes
}

// Lookup returns the stored record without validating it, or nil if none exists.
func (s *Store) Lookup(ctx context.Context, key, path string) (*Record, error) {
	name := s.objectName(key, path)

	s.mu.Lock()
	rec, ok := s.cache[name]
	s.mu.Unlock()
	if ok {
		return &rec, nil
	}

	data, err := s.bucket.ReadAll(ctx, name)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("resume: read record: %w", err)
	}

	if err := json.Unmarshal(data, &rec); err != nil {
		// A torn or foreign object cannot be trusted; treat it as absent.
		return nil, nil
	}

	s.mu.Lock()
	s.cache[name] = rec
	s.mu.Unlock()

	return &rec, nil
}

// Begin creates (or replaces) the record for a download starting from
// downloaded bytes against remote.
func (s *Store) Begin(ctx context.Context, key, path string, remote domain.RemoteIdentity, downloaded int64) error {
	now := time.Now()
	return s.write(ctx, Record{
		ResourceKey:     key,
		LocalPath:       path,
		DownloadedBytes: downloaded,
		Remote:          remote,
		StartedAt:       now,
		UpdatedAt:       now,
	})
}

// RecordProgress updates DownloadedBytes. Callers must only pass byte counts
// that have already been flushed to disk.
func (s *Store) RecordProgress(ctx context.Context, key, path string, downloaded int64) error {
	rec, err := s.Lookup(ctx, key, path)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("resume: no record for %s", key)
	}

	rec.DownloadedBytes = downloaded
	rec.UpdatedAt = time.Now()
	return s.write(ctx, *rec)
}

// Clear deletes the record for (key, path). Missing records are not an error.
func (s *Store) Clear(ctx context.Context, key, path string) error {
	name := s.objectName(key, path)

	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()

	if err := s.bucket.Delete(ctx, name); err != nil && !isNotExist(err) {
		return fmt.Errorf("resume: delete record: %w", err)
	}
	return nil
}

// List returns every stored record.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	var records []Record

	iter := s.bucket.List(&blob.ListOptions{Prefix: s.opts.Prefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("resume: list records: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, ".json") {
			continue
		}

		data, err := s.bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("resume: read record %s: %w", obj.Key, err)
		}

		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

// write persists rec. fileblob writes to a temporary file and renames it on
// close, so a crash never leaves a half-written record behind.
func (s *Store) write(ctx context.Context, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("resume: marshal record: %w", err)
	}

	name := s.objectName(rec.ResourceKey, rec.LocalPath)
	if err := s.bucket.WriteAll(ctx, name, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("resume: write record: %w", err)
	}

	s.mu.Lock()
	s.cache[name] = rec
	s.mu.Unlock()

	return nil
}

// objectName derives a stable object name for (key, path).
func (s *Store) objectName(key, path string) string {
	sum := sha256.Sum256([]byte(key + "\x00" + path))
	return s.opts.Prefix + hex.EncodeToString(sum[:16]) + ".json"
}

// isNotExist returns true if the error indicates the object doesn't exist.
func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
