package miniostore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/objstore"
)

// Config holds the connection settings of a minio (or S3 compatible) endpoint.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

// Store implements objstore.Store with minio-go's low level multipart API.
type Store struct {
	client *minio.Client
	core   *minio.Core
	logger *slog.Logger
}

var _ objstore.Store = (*Store)(nil)

// New connects to the endpoint described by cfg.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{client: client, core: &minio.Core{Client: client}, logger: logger}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// PutObject uploads r in a single request.
func (s *Store) PutObject(ctx context.Context, obj objstore.Object, r io.Reader, size int64, contentType string) (*objstore.ObjectInfo, error) {
	info, err := s.client.PutObject(ctx, obj.Bucket, obj.Key, r, size, minio.PutObjectOptions{
		ContentType:      contentType,
		DisableMultipart: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put object: %w", err)
	}
	return &objstore.ObjectInfo{
		Object:   obj,
		Size:     info.Size,
		ETag:     cleanETag(info.ETag),
		Location: location(obj, info.Location),
	}, nil
}

// CreateMultipartUpload inits a multipart upload.
func (s *Store) CreateMultipartUpload(ctx context.Context, obj objstore.Object, contentType string) (string, error) {
	uploadID, err := s.core.NewMultipartUpload(ctx, obj.Bucket, obj.Key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("failed to init multipart upload: %w", err)
	}
	return uploadID, nil
}

// UploadPart uploads a single part.
func (s *Store) UploadPart(ctx context.Context, obj objstore.Object, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error) {
	part, err := s.core.PutObjectPart(ctx, obj.Bucket, obj.Key, uploadID, partNumber, r, size, minio.PutObjectPartOptions{})
	if err != nil {
		return "", mapError(fmt.Errorf("failed to upload part %d: %w", partNumber, err), err)
	}
	return cleanETag(part.ETag), nil
}

// CompleteMultipartUpload marks the minio multipart as complete.
func (s *Store) CompleteMultipartUpload(ctx context.Context, obj objstore.Object, uploadID string, parts []domain.UploadPart) (*objstore.ObjectInfo, error) {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	var size int64
	for _, part := range parts {
		completeParts = append(completeParts, minio.CompletePart{
			PartNumber: part.PartNumber,
			ETag:       part.ETag,
		})
		size += part.Size
	}

	info, err := s.core.CompleteMultipartUpload(ctx, obj.Bucket, obj.Key, uploadID, completeParts, minio.PutObjectOptions{})
	if err != nil {
		return nil, mapError(fmt.Errorf("failed to complete multipart upload: %w", err), err)
	}

	return &objstore.ObjectInfo{
		Object:   obj,
		Size:     size,
		ETag:     cleanETag(info.ETag),
		Location: location(obj, info.Location),
	}, nil
}

// AbortMultipartUpload aborts the upload; the server drops stored parts.
func (s *Store) AbortMultipartUpload(ctx context.Context, obj objstore.Object, uploadID string) error {
	if err := s.core.AbortMultipartUpload(ctx, obj.Bucket, obj.Key, uploadID); err != nil {
		return mapError(fmt.Errorf("failed to abort multipart upload: %w", err), err)
	}

	s.logger.Info("multipart upload aborted",
		slog.String("object", obj.String()),
		slog.String("upload_id", uploadID))
	return nil
}

// ListParts lists all uploaded parts, following pagination.
func (s *Store) ListParts(ctx context.Context, obj objstore.Object, uploadID string) ([]domain.UploadPart, error) {
	var parts []domain.UploadPart
	marker := 0
	for {
		result, err := s.core.ListObjectParts(ctx, obj.Bucket, obj.Key, uploadID, marker, 1000)
		if err != nil {
			return nil, mapError(fmt.Errorf("failed to list parts: %w", err), err)
		}
		for _, p := range result.ObjectParts {
			parts = append(parts, domain.UploadPart{
				PartNumber: p.PartNumber,
				Size:       p.Size,
				ETag:       cleanETag(p.ETag),
			})
		}
		if !result.IsTruncated {
			return parts, nil
		}
		marker = result.NextPartNumberMarker
	}
}

func mapError(wrapped, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
		return fmt.Errorf("%w: %w", objstore.ErrNoSuchUpload, wrapped)
	}
	return wrapped
}

func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func location(obj objstore.Object, reported string) string {
	if reported != "" {
		return reported
	}
	return obj.String()
}
