package objstore

import (
	"context"
	"errors"
	"io"

	"github.com/ligustah/shuttle/internal/domain"
)

var (
	// ErrNoSuchUpload is returned for operations on a multipart upload the
	// backend does not know, including one that was already aborted.
	ErrNoSuchUpload = errors.New("objstore: no such upload")

	// ErrPartMismatch is returned by CompleteMultipartUpload when the part
	// list does not match what the backend stored.
	ErrPartMismatch = errors.New("objstore: part list does not match stored parts")
)

// Object identifies an object in a bucket.
type Object struct {
	Bucket string
	Key    string
}

func (o Object) String() string {
	return o.Bucket + "/" + o.Key
}

// ObjectInfo describes a committed object.
type ObjectInfo struct {
	Object
	Size     int64
	ETag     string
	Location string
}

// Store is the subset of an object storage API used for uploads.
type Store interface {
	// PutObject uploads r as a single object.
	PutObject(ctx context.Context, obj Object, r io.Reader, size int64, contentType string) (*ObjectInfo, error)

	// CreateMultipartUpload starts a multipart upload and returns its id.
	CreateMultipartUpload(ctx context.Context, obj Object, contentType string) (string, error)

	// UploadPart stores one part and returns its ETag. r must yield exactly
	// size bytes. It may be retried by the SDK, so it must be seekable.
	UploadPart(ctx context.Context, obj Object, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error)

	// CompleteMultipartUpload commits parts, which must be in ascending
	// part-number order.
	CompleteMultipartUpload(ctx context.Context, obj Object, uploadID string, parts []domain.UploadPart) (*ObjectInfo, error)

	// AbortMultipartUpload discards the upload and every stored part.
	// Aborting an unknown upload returns ErrNoSuchUpload.
	AbortMultipartUpload(ctx context.Context, obj Object, uploadID string) error

	// ListParts returns the parts the backend currently holds for an upload,
	// or ErrNoSuchUpload once the upload is gone.
	ListParts(ctx context.Context, obj Object, uploadID string) ([]domain.UploadPart, error)
}
