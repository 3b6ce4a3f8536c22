//go:build integration

package miniostore

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/objstore"
	"github.com/ligustah/shuttle/internal/testutils"
)

const partSize = 5 * 1024 * 1024 // S3 minimum for all but the last part

func startStore(t *testing.T, ctx context.Context) (*Store, *testutils.MinioEnv) {
	t.Helper()
	env := testutils.StartMinioContainer(t, ctx, "uploads")

	s, err := New(Config{
		Endpoint:  env.Endpoint,
		AccessKey: env.AccessKey,
		SecretKey: env.SecretKey,
		Region:    "us-east-1",
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureBucket(ctx, env.Bucket); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	return s, env
}

func TestIntegrationMultipart(t *testing.T) {
	ctx := context.Background()
	s, env := startStore(t, ctx)
	obj := objstore.Object{Bucket: env.Bucket, Key: "big.bin"}
	data := testutils.GenerateTestData(t, 2*partSize+1234)

	id, err := s.CreateMultipartUpload(ctx, obj, "application/octet-stream")
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}

	var parts []domain.UploadPart
	for _, p := range domain.SplitParts(int64(len(data)), partSize) {
		chunk := data[p.Offset : p.Offset+p.Size]
		etag, err := s.UploadPart(ctx, obj, id, p.PartNumber, bytes.NewReader(chunk), p.Size)
		if err != nil {
			t.Fatalf("UploadPart %d: %v", p.PartNumber, err)
		}
		p.ETag = etag
		parts = append(parts, p)
	}

	listed, err := s.ListParts(ctx, obj, id)
	if err != nil {
		t.Fatalf("ListParts: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("listed %d parts, want 3", len(listed))
	}

	if _, err := s.CompleteMultipartUpload(ctx, obj, id, parts); err != nil {
		t.Fatalf("CompleteMultipartUpload: %v", err)
	}

	r, err := s.client.GetObject(ctx, obj.Bucket, obj.Key, minio.GetObjectOptions{})
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer r.Close()
	testutils.CompareReaderToData(t, r, data)
}

func TestIntegrationAbortLeavesNoParts(t *testing.T) {
	ctx := context.Background()
	s, env := startStore(t, ctx)
	obj := objstore.Object{Bucket: env.Bucket, Key: "aborted.bin"}

	id, err := s.CreateMultipartUpload(ctx, obj, "")
	if err != nil {
		t.Fatalf("CreateMultipartUpload: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := s.UploadPart(ctx, obj, id, i, bytes.NewReader(make([]byte, partSize)), partSize); err != nil {
			t.Fatalf("UploadPart: %v", err)
		}
	}

	if err := s.AbortMultipartUpload(ctx, obj, id); err != nil {
		t.Fatalf("AbortMultipartUpload: %v", err)
	}

	parts, err := s.ListParts(ctx, obj, id)
	if err == nil && len(parts) > 0 {
		t.Fatalf("%d parts survived abort", len(parts))
	}
	if err != nil && !errors.Is(err, objstore.ErrNoSuchUpload) {
		t.Fatalf("ListParts after abort: %v", err)
	}

	if err := s.AbortMultipartUpload(ctx, obj, id); err != nil && !errors.Is(err, objstore.ErrNoSuchUpload) {
		t.Fatalf("second abort: %v", err)
	}

	if _, err := s.client.StatObject(ctx, obj.Bucket, obj.Key, minio.StatObjectOptions{}); err == nil {
		t.Fatal("aborted upload produced an object")
	}
}
