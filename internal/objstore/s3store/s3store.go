package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	awstypes "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/objstore"
)

// API is the subset of the S3 client used by Store.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// Config selects the region, endpoint and credentials. Empty credentials
// fall back to the default AWS credential chain.
type Config struct {
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	MaxRetries   int
}

// Store implements objstore.Store with the AWS SDK.
type Store struct {
	api    API
	logger *slog.Logger
}

var _ objstore.Store = (*Store)(nil)

// New builds an S3 client from cfg.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	if cfg.MaxRetries > 0 {
		loadOpts = append(loadOpts, config.WithRetryMaxAttempts(cfg.MaxRetries))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithAPI(client, logger), nil
}

// NewWithAPI wraps an existing client.
func NewWithAPI(api API, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{api: api, logger: logger}
}

// PutObject implements objstore.Store.
func (s *Store) PutObject(ctx context.Context, obj objstore.Object, r io.Reader, size int64, contentType string) (*objstore.ObjectInfo, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(obj.Bucket),
		Key:           aws.String(obj.Key),
		Body:          r,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := s.api.PutObject(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("put object %s: %w", obj, err)
	}
	return &objstore.ObjectInfo{
		Object:   obj,
		Size:     size,
		ETag:     cleanETag(aws.ToString(out.ETag)),
		Location: obj.String(),
	}, nil
}

// CreateMultipartUpload implements objstore.Store.
func (s *Store) CreateMultipartUpload(ctx context.Context, obj objstore.Object, contentType string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(obj.Bucket),
		Key:    aws.String(obj.Key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := s.api.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create multipart upload %s: %w", obj, err)
	}
	return aws.ToString(out.UploadId), nil
}

// UploadPart implements objstore.Store.
func (s *Store) UploadPart(ctx context.Context, obj objstore.Object, uploadID string, partNumber int, r io.ReadSeeker, size int64) (string, error) {
	out, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(obj.Bucket),
		Key:           aws.String(obj.Key),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return "", mapError(fmt.Errorf("upload part %d: %w", partNumber, err))
	}
	return cleanETag(aws.ToString(out.ETag)), nil
}

// CompleteMultipartUpload implements objstore.Store.
func (s *Store) CompleteMultipartUpload(ctx context.Context, obj objstore.Object, uploadID string, parts []domain.UploadPart) (*objstore.ObjectInfo, error) {
	completed := make([]awstypes.CompletedPart, 0, len(parts))
	var size int64
	for _, p := range parts {
		completed = append(completed, awstypes.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.PartNumber)),
		})
		size += p.Size
	}

	out, err := s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(obj.Bucket),
		Key:             aws.String(obj.Key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &awstypes.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, mapError(fmt.Errorf("complete multipart upload %s: %w", obj, err))
	}

	loc := aws.ToString(out.Location)
	if loc == "" {
		loc = obj.String()
	}
	return &objstore.ObjectInfo{
		Object:   obj,
		Size:     size,
		ETag:     cleanETag(aws.ToString(out.ETag)),
		Location: loc,
	}, nil
}

// AbortMultipartUpload implements objstore.Store.
func (s *Store) AbortMultipartUpload(ctx context.Context, obj objstore.Object, uploadID string) error {
	_, err := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(obj.Bucket),
		Key:      aws.String(obj.Key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return mapError(fmt.Errorf("abort multipart upload %s: %w", obj, err))
	}
	s.logger.Info("multipart upload aborted", "object", obj.String(), "upload_id", uploadID)
	return nil
}

// ListParts implements objstore.Store, following pagination.
func (s *Store) ListParts(ctx context.Context, obj objstore.Object, uploadID string) ([]domain.UploadPart, error) {
	var (
		parts  []domain.UploadPart
		marker *string
	)
	for {
		out, err := s.api.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(obj.Bucket),
			Key:              aws.String(obj.Key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, mapError(fmt.Errorf("list parts %s: %w", obj, err))
		}

		for _, p := range out.Parts {
			parts = append(parts, domain.UploadPart{
				PartNumber: int(aws.ToInt32(p.PartNumber)),
				Size:       aws.ToInt64(p.Size),
				ETag:       cleanETag(aws.ToString(p.ETag)),
			})
		}

		if !aws.ToBool(out.IsTruncated) || out.NextPartNumberMarker == nil {
			return parts, nil
		}
		marker = out.NextPartNumberMarker
	}
}

// mapError tags "upload gone" responses with objstore.ErrNoSuchUpload.
func mapError(err error) error {
	var nsu *awstypes.NoSuchUpload
	if errors.As(err, &nsu) {
		return fmt.Errorf("%w: %w", objstore.ErrNoSuchUpload, err)
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) && coded.ErrorCode() == "NoSuchUpload" {
		return fmt.Errorf("%w: %w", objstore.ErrNoSuchUpload, err)
	}
	return err
}

func cleanETag(etag string) string {
	return strings.Trim(etag, "\"")
}
