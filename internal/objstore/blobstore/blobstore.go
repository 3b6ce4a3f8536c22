package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/objstore"
)

// Opener opens the bucket with the given name.
type Opener func(ctx context.Context, name string) (*blob.Bucket, error)

// URLOpener returns an Opener that substitutes the bucket name for
// "{bucket}" in template and opens the result with blob.OpenBucket.
// A template without the placeholder serves every name from one URL.
func URLOpener(template string) Opener {
	return func(ctx context.Context, name string) (*blob.Bucket, error) {
		return blob.OpenBucket(ctx, strings.ReplaceAll(template, "{bucket}", name))
	}
}

// Options configures a Store.
type Options struct {
	Logger *slog.Logger
}

// Option is a functional option for New.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// Store implements objstore.Store on top of gocloud buckets. Multipart
// uploads are staged as objects under "<key>.uploads/<id>/" and composed into
// the destination on complete.
type Store struct {
	open Opener
	log  *slog.Logger

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

var _ objstore.Store = (*Store)(nil)

// New creates a Store opening buckets through open.
func New(open Opener, options ...Option) *Store {
	opts := Options{Logger: slog.New(slog.DiscardHandler)}
	for _, o := range options {
		o(&opts)
	}
	return &Store{
		open:    open,
		log:     opts.Logger,
		buckets: make(map[string]*blob.Bucket),
	}
}

// Close closes every bucket opened by the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, b := range s.buckets {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bucket %s: %w", name, err))
		}
		delete(s.buckets, name)
	}
	return errors.Join(errs...)
}

func (s *Store) bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	b, err := s.open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", name, err)
	}
	s.buckets[name] = b
	return b, nil
}

// upload is the marker object of a multipart upload.
type upload struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func uploadPrefix(key, uploadID string) string {
	return key + ".uploads/" + uploadID + "/"
}

func markerName(key, uploadID string) string {
	return uploadPrefix(key, uploadID) + "upload.json"
}

func partName(key, uploadID string, n int) string {
	return fmt.Sprintf("%spart-%05d", uploadPrefix(key, uploadID), n)
}

// PutObject implements objstore.Store.
func (s *Store) PutObject(ctx context.Context, obj objstore.Object, r io.Reader, size int64, contentType string) (*objstore.ObjectInfo, error) {
	b, err := s.bucket(ctx, obj.Bucket)
	if err != nil {
		return nil, err
	}

	sum, n, err := writeObject(ctx, b, obj.Key, r, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", obj, err)
	}
	if n != size {
		b.Delete(context.WithoutCancel(ctx), obj.Key)
		return nil, fmt.Errorf("put %s: wrote %d bytes, want %d", obj, n, size)
	}

	return &objstore.ObjectInfo{
		Object:   obj,
		Size:     n,
		ETag:     hex.EncodeToString(sum),
		Location: obj.String(),
	}, nil
}

// CreateMultipartUpload implements objstore.Store.
func (s *Store) CreateMultipartUpload(ctx context.Context, obj objstore.Object, contentType string) (string, error) {
	b, err := s.bucket(ctx, obj.Bucket)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	data, err := json.Marshal(upload{Key: obj.Key, ContentType: contentType, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("marshal upload: %w", err)
	}
	if err := b.WriteAll(ctx, markerName(obj.Key, id), data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("create upload for %s: %w", obj, err)
	}

	s.log.Debug("multipart upload created", "object", obj.String(), "upload_id", id)
	return id, nil
}

// UploadPart implements objstore.Store.
func (s *Store) UploadPart(ctx context.Context, obj objstore.Object, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error) {
	b, err := s.bucket(ctx, obj.Bucket)
	if err != nil {
		return "", err
	}
	if _, err := s.marker(ctx, b, obj.Key, uploadID); err != nil {
		return "", err
	}

	// r is read exactly once; callers count its reads as upload progress.
	name := partName(obj.Key, uploadID, partNumber)
	sum, n, err := writeObject(ctx, b, name, r, nil)
	if err != nil {
		return "", fmt.Errorf("upload part %d: %w", partNumber, err)
	}
	if n != size {
		b.Delete(context.WithoutCancel(ctx), name)
		return "", fmt.Errorf("upload part %d: wrote %d bytes, want %d", partNumber, n, size)
	}
	return hex.EncodeToString(sum), nil
}

// CompleteMultipartUpload implements objstore.Store.
func (s *Store) CompleteMultipartUpload(ctx context.Context, obj objstore.Object, uploadID string, parts []domain.UploadPart) (*objstore.ObjectInfo, error) {
	b, err := s.bucket(ctx, obj.Bucket)
	if err != nil {
		return nil, err
	}
	up, err := s.marker(ctx, b, obj.Key, uploadID)
	if err != nil {
		return nil, err
	}

	stored, err := s.listParts(ctx, b, obj.Key, uploadID)
	if err != nil {
		return nil, err
	}
	if err := matchParts(parts, stored); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := b.NewWriter(wctx, obj.Key, &blob.WriterOptions{ContentType: up.ContentType})
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	var size int64
	digests := md5.New()
	for _, p := range parts {
		n, err := copyPart(wctx, b, partName(obj.Key, uploadID, p.PartNumber), w)
		if err != nil {
			cancel()
			w.Close()
			return nil, fmt.Errorf("compose part %d: %w", p.PartNumber, err)
		}
		size += n

		raw, _ := hex.DecodeString(p.ETag)
		digests.Write(raw)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("commit %s: %w", obj, err)
	}

	if err := s.purge(context.WithoutCancel(ctx), b, obj.Key, uploadID); err != nil {
		s.log.Warn("cleaning up staged parts failed", "object", obj.String(), "upload_id", uploadID, "error", err)
	}

	return &objstore.ObjectInfo{
		Object:   obj,
		Size:     size,
		ETag:     hex.EncodeToString(digests.Sum(nil)) + "-" + strconv.Itoa(len(parts)),
		Location: obj.String(),
	}, nil
}

// AbortMultipartUpload implements objstore.Store.
func (s *Store) AbortMultipartUpload(ctx context.Context, obj objstore.Object, uploadID string) error {
	b, err := s.bucket(ctx, obj.Bucket)
	if err != nil {
		return err
	}

	exists, err := b.Exists(ctx, markerName(obj.Key, uploadID))
	if err != nil {
		return fmt.Errorf("abort %s: %w", uploadID, err)
	}
	stored, err := s.listParts(ctx, b, obj.Key, uploadID)
	if err != nil {
		return err
	}
	if !exists && len(stored) == 0 {
		return objstore.ErrNoSuchUpload
	}

	if err := s.purge(ctx, b, obj.Key, uploadID); err != nil {
		return fmt.Errorf("abort %s: %w", uploadID, err)
	}
	s.log.Debug("multipart upload aborted", "object", obj.String(), "upload_id", uploadID, "parts", len(stored))
	return nil
}

// ListParts implements objstore.Store. Parts left behind by a racing writer
// are reported even after the upload marker is gone.
func (s *Store) ListParts(ctx context.Context, obj objstore.Object, uploadID string) ([]domain.UploadPart, error) {
	b, err := s.bucket(ctx, obj.Bucket)
	if err != nil {
		return nil, err
	}

	parts, err := s.listParts(ctx, b, obj.Key, uploadID)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		exists, err := b.Exists(ctx, markerName(obj.Key, uploadID))
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}
		if !exists {
			return nil, objstore.ErrNoSuchUpload
		}
	}
	return parts, nil
}

func (s *Store) marker(ctx context.Context, b *blob.Bucket, key, uploadID string) (*upload, error) {
	data, err := b.ReadAll(ctx, markerName(key, uploadID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, objstore.ErrNoSuchUpload
		}
		return nil, fmt.Errorf("read upload %s: %w", uploadID, err)
	}
	var up upload
	if err := json.Unmarshal(data, &up); err != nil {
		return nil, fmt.Errorf("unmarshal upload %s: %w", uploadID, err)
	}
	return &up, nil
}

func (s *Store) listParts(ctx context.Context, b *blob.Bucket, key, uploadID string) ([]domain.UploadPart, error) {
	prefix := uploadPrefix(key, uploadID)
	iter := b.List(&blob.ListOptions{Prefix: prefix + "part-"})

	var parts []domain.UploadPart
	for {
		o, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", err)
		}

		n, err := strconv.Atoi(strings.TrimPrefix(o.Key, prefix+"part-"))
		if err != nil {
			continue
		}
		parts = append(parts, domain.UploadPart{
			PartNumber: n,
			Size:       o.Size,
			ETag:       hex.EncodeToString(o.MD5),
		})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts, nil
}

// purge deletes the parts, then the marker.
func (s *Store) purge(ctx context.Context, b *blob.Bucket, key, uploadID string) error {
	parts, err := s.listParts(ctx, b, key, uploadID)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if err := b.Delete(ctx, partName(key, uploadID, p.PartNumber)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("delete part %d: %w", p.PartNumber, err)
		}
	}
	if err := b.Delete(ctx, markerName(key, uploadID)); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("delete upload marker: %w", err)
	}
	return nil
}

// matchParts checks the committed list is ascending and agrees with storage.
// Stored MD5s are compared only where the backend reports them.
func matchParts(parts, stored []domain.UploadPart) error {
	if len(parts) == 0 {
		return fmt.Errorf("%w: no parts", objstore.ErrPartMismatch)
	}

	byNumber := make(map[int]domain.UploadPart, len(stored))
	for _, p := range stored {
		byNumber[p.PartNumber] = p
	}

	prev := 0
	for _, p := range parts {
		if p.PartNumber <= prev {
			return fmt.Errorf("%w: part %d out of order", objstore.ErrPartMismatch, p.PartNumber)
		}
		prev = p.PartNumber

		sp, ok := byNumber[p.PartNumber]
		if !ok {
			return fmt.Errorf("%w: part %d not stored", objstore.ErrPartMismatch, p.PartNumber)
		}
		if sp.ETag != "" && p.ETag != sp.ETag {
			return fmt.Errorf("%w: part %d etag %s, stored %s", objstore.ErrPartMismatch, p.PartNumber, p.ETag, sp.ETag)
		}
	}
	return nil
}

// writeObject streams r into key and returns its MD5 and length. A failed
// write is cancelled so nothing is committed.
func writeObject(ctx context.Context, b *blob.Bucket, key string, r io.Reader, opts *blob.WriterOptions) ([]byte, int64, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := b.NewWriter(wctx, key, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("create writer: %w", err)
	}

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(w, h), r)
	if err != nil {
		cancel()
		w.Close()
		return nil, n, err
	}
	if err := w.Close(); err != nil {
		return nil, n, err
	}
	return h.Sum(nil), n, nil
}

func copyPart(ctx context.Context, b *blob.Bucket, name string, w io.Writer) (int64, error) {
	r, err := b.NewReader(ctx, name, nil)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(w, r)
}
