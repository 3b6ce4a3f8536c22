package blobstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/objstore"
)

func newMemStore(t *testing.T) *Store {
	t.Helper()
	s := New(URLOpener("mem://"))
	t.Cleanup(func() { s.Close() })
	return s
}

func readObject(t *testing.T, s *Store, obj objstore.Object) []byte {
	t.Helper()
	b, err := s.bucket(context.Background(), obj.Bucket)
	require.NoError(t, err)
	data, err := b.ReadAll(context.Background(), obj.Key)
	require.NoError(t, err)
	return data
}

func TestPutObject(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	obj := objstore.Object{Bucket: "media", Key: "a/b.txt"}

	info, err := s.PutObject(ctx, obj, bytes.NewReader([]byte("hello")), 5, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", info.ETag)
	assert.Equal(t, "media/a/b.txt", info.Location)
	assert.Equal(t, []byte("hello"), readObject(t, s, obj))
}

func TestPutObjectShortReader(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	obj := objstore.Object{Bucket: "media", Key: "short"}

	_, err := s.PutObject(ctx, obj, bytes.NewReader([]byte("abc")), 10, "")
	require.Error(t, err)

	b, err := s.bucket(ctx, "media")
	require.NoError(t, err)
	exists, err := b.Exists(ctx, "short")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMultipartRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	obj := objstore.Object{Bucket: "media", Key: "big.bin"}
	chunks := [][]byte{
		bytes.Repeat([]byte{'a'}, 100),
		bytes.Repeat([]byte{'b'}, 100),
		bytes.Repeat([]byte{'c'}, 42),
	}

	id, err := s.CreateMultipartUpload(ctx, obj, "application/octet-stream")
	require.NoError(t, err)

	// Out of order on purpose.
	parts := make([]domain.UploadPart, len(chunks))
	for _, i := range []int{2, 0, 1} {
		etag, err := s.UploadPart(ctx, obj, id, i+1, bytes.NewReader(chunks[i]), int64(len(chunks[i])))
		require.NoError(t, err)
		parts[i] = domain.UploadPart{PartNumber: i + 1, Size: int64(len(chunks[i])), ETag: etag}
	}

	listed, err := s.ListParts(ctx, obj, id)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	for i, p := range listed {
		assert.Equal(t, i+1, p.PartNumber)
	}

	info, err := s.CompleteMultipartUpload(ctx, obj, id, parts)
	require.NoError(t, err)
	assert.Equal(t, int64(242), info.Size)
	assert.Contains(t, info.ETag, "-3")

	assert.Equal(t, bytes.Join(chunks, nil), readObject(t, s, obj))

	_, err = s.ListParts(ctx, obj, id)
	assert.ErrorIs(t, err, objstore.ErrNoSuchUpload)
}

// seekCounter fails the test if the part body is rewound.
type seekCounter struct {
	*bytes.Reader
	seeks int
}

func (r *seekCounter) Seek(offset int64, whence int) (int64, error) {
	r.seeks++
	return r.Reader.Seek(offset, whence)
}

func TestUploadPartReadsBodyOnce(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	obj := objstore.Object{Bucket: "media", Key: "big.bin"}

	id, err := s.CreateMultipartUpload(ctx, obj, "")
	require.NoError(t, err)

	r := &seekCounter{Reader: bytes.NewReader([]byte("hello"))}
	etag, err := s.UploadPart(ctx, obj, id, 1, r, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, r.seeks)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", etag)

	listed, err := s.ListParts(ctx, obj, id)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, etag, listed[0].ETag)
}

func TestCompleteRejectsBadPartList(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	obj := objstore.Object{Bucket: "media", Key: "big.bin"}

	id, err := s.CreateMultipartUpload(ctx, obj, "")
	require.NoError(t, err)
	e1, err := s.UploadPart(ctx, obj, id, 1, bytes.NewReader([]byte("one")), 3)
	require.NoError(t, err)
	e2, err := s.UploadPart(ctx, obj, id, 2, bytes.NewReader([]byte("two")), 3)
	require.NoError(t, err)

	tests := []struct {
		name  string
		parts []domain.UploadPart
	}{
		{"empty", nil},
		{"out of order", []domain.UploadPart{{PartNumber: 2, ETag: e2}, {PartNumber: 1, ETag: e1}}},
		{"missing part", []domain.UploadPart{{PartNumber: 1, ETag: e1}, {PartNumber: 3, ETag: e2}}},
		{"wrong etag", []domain.UploadPart{{PartNumber: 1, ETag: e2}, {PartNumber: 2, ETag: e2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.CompleteMultipartUpload(ctx, obj, id, tt.parts)
			assert.ErrorIs(t, err, objstore.ErrPartMismatch)
		})
	}
}

func TestAbortPurgesParts(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	obj := objstore.Object{Bucket: "media", Key: "big.bin"}

	id, err := s.CreateMultipartUpload(ctx, obj, "")
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := s.UploadPart(ctx, obj, id, i, bytes.NewReader([]byte("data")), 4)
		require.NoError(t, err)
	}

	require.NoError(t, s.AbortMultipartUpload(ctx, obj, id))

	_, err = s.ListParts(ctx, obj, id)
	assert.ErrorIs(t, err, objstore.ErrNoSuchUpload)

	err = s.AbortMultipartUpload(ctx, obj, id)
	assert.ErrorIs(t, err, objstore.ErrNoSuchUpload)

	_, err = s.UploadPart(ctx, obj, id, 4, bytes.NewReader([]byte("late")), 4)
	assert.ErrorIs(t, err, objstore.ErrNoSuchUpload)

	b, err := s.bucket(ctx, "media")
	require.NoError(t, err)
	exists, err := b.Exists(ctx, "big.bin")
	require.NoError(t, err)
	assert.False(t, exists, "aborted upload produced an object")
}

func TestUnknownUpload(t *testing.T) {
	ctx := context.Background()
	s := newMemStore(t)
	obj := objstore.Object{Bucket: "media", Key: "x"}

	_, err := s.UploadPart(ctx, obj, "nope", 1, bytes.NewReader(nil), 0)
	assert.ErrorIs(t, err, objstore.ErrNoSuchUpload)

	_, err = s.CompleteMultipartUpload(ctx, obj, "nope", []domain.UploadPart{{PartNumber: 1}})
	assert.ErrorIs(t, err, objstore.ErrNoSuchUpload)
}

func TestBucketsAreSeparate(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	for _, name := range []string{"one", "two"} {
		require.NoError(t, os.Mkdir(filepath.Join(root, name), 0o755))
	}

	s := New(URLOpener("file://" + root + "/{bucket}"))
	defer s.Close()

	_, err := s.PutObject(ctx, objstore.Object{Bucket: "one", Key: "k"}, bytes.NewReader([]byte("1")), 1, "")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(root, "one", "k"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "two", "k"))
	assert.True(t, os.IsNotExist(err))
}
