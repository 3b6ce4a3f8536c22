package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/objstore"
	"github.com/ligustah/shuttle/internal/progress"
)

func downloadSession(id, url, path, owner string) *Session {
	s := newSession(context.Background(), id, domain.DirectionDownload, progress.Options{})
	s.ResourceKey = url
	s.LocalPath = path
	s.Owner = owner
	return s
}

func uploadSession(id, path, bucket, key string) *Session {
	s := newSession(context.Background(), id, domain.DirectionUpload, progress.Options{})
	s.LocalPath = path
	s.Object = objstore.Object{Bucket: bucket, Key: key}
	return s
}

func TestRegistryConflicts(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Reserve(downloadSession("a", "http://x/file", "/tmp/file", "")))

	tests := []struct {
		name string
		s    *Session
	}{
		{"same id", downloadSession("a", "http://y/other", "/tmp/other", "")},
		{"same resource", downloadSession("b", "http://x/file", "/tmp/other", "")},
		{"same path", downloadSession("c", "http://y/other", "/tmp/file", "")},
		{"same path after cleaning", downloadSession("d", "http://y/other", "/tmp/./file", "")},
		{"upload of file being downloaded", uploadSession("e", "/tmp/file", "b", "k")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, r.Reserve(tt.s), domain.ErrAlreadyInProgress)
		})
	}

	require.NoError(t, r.Reserve(uploadSession("f", "/tmp/up", "b", "k")))
	assert.ErrorIs(t, r.Reserve(uploadSession("g", "/tmp/up2", "b", "k")), domain.ErrAlreadyInProgress)
	assert.NoError(t, r.Reserve(uploadSession("h", "/tmp/up3", "b", "k2")))
}

func TestRegistryRemoveReleasesClaims(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Reserve(downloadSession("a", "http://x/file", "/tmp/file", "")))

	r.Remove("a")
	r.Remove("a")

	_, ok := r.Get("a")
	assert.False(t, ok)
	assert.NoError(t, r.Reserve(downloadSession("b", "http://x/file", "/tmp/file", "")))
}

func TestRegistryOwners(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Reserve(downloadSession("a", "http://x/1", "/tmp/1", "alice")))
	require.NoError(t, r.Reserve(downloadSession("b", "http://x/2", "/tmp/2", "alice")))
	require.NoError(t, r.Reserve(downloadSession("c", "http://x/3", "/tmp/3", "bob")))

	assert.Len(t, r.Owned("alice"), 2)
	assert.Len(t, r.Owned("bob"), 1)
	assert.Empty(t, r.Owned("carol"))
	assert.Len(t, r.All(), 3)

	r.Remove("a")
	owned := r.Owned("alice")
	require.Len(t, owned, 1)
	assert.Equal(t, "b", owned[0].ID)

	r.Remove("b")
	assert.Empty(t, r.Owned("alice"))
}

func TestCancelToken(t *testing.T) {
	type key struct{}
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	tok := NewCancelToken(parent)

	cancel()
	assert.False(t, tok.Cancelled(), "token follows the caller's cancellation")
	assert.Equal(t, "v", tok.Context().Value(key{}))

	tok.Cancel()
	tok.Cancel()
	assert.True(t, tok.Cancelled())
	<-tok.Context().Done()
}

func TestTransitions(t *testing.T) {
	allowed := [][2]domain.State{
		{domain.StateIdle, domain.StateDownloading},
		{domain.StateIdle, domain.StateUploading},
		{domain.StateDownloading, domain.StateExtracting},
		{domain.StateExtracting, domain.StateCompleted},
		{domain.StateDownloading, domain.StateCancelling},
		{domain.StateExtracting, domain.StateCancelling},
		{domain.StateUploading, domain.StateCancelling},
		{domain.StateCancelling, domain.StateIdle},
		{domain.StateDownloading, domain.StateError},
		{domain.StateUploading, domain.StateCompleted},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]domain.State{
		{domain.StateDownloading, domain.StateCompleted},
		{domain.StateCompleted, domain.StateCancelling},
		{domain.StateError, domain.StateCancelling},
		{domain.StateIdle, domain.StateCancelling},
		{domain.StateCancelling, domain.StateError},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestSettle(t *testing.T) {
	s := downloadSession("a", "u", "p", "")
	s.state = domain.StateCancelling

	from, to, err := s.settle(assert.AnError, "")
	assert.Equal(t, domain.StateCancelling, from)
	assert.Equal(t, domain.StateCancelling, to, "cancellation wins over engine errors")
	assert.ErrorIs(t, err, domain.ErrUserCancelled)

	s = downloadSession("b", "u", "p", "")
	s.state = domain.StateDownloading
	_, to, err = s.settle(assert.AnError, "")
	assert.Equal(t, domain.StateError, to)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, assert.AnError.Error(), s.Info().Error)
}
