package transfer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/downloader"
	"github.com/ligustah/shuttle/internal/events"
	shttp "github.com/ligustah/shuttle/internal/http"
	"github.com/ligustah/shuttle/internal/objstore"
	"github.com/ligustah/shuttle/internal/objstore/blobstore"
	"github.com/ligustah/shuttle/internal/progress"
	"github.com/ligustah/shuttle/internal/resume"
	"github.com/ligustah/shuttle/internal/testutils"
	"github.com/ligustah/shuttle/internal/uploader"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) of(id string, typ events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []events.Event
	for _, ev := range r.events {
		if ev.SessionID == id && ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) terminal(id string) []events.Event {
	var out []events.Event
	for _, typ := range []events.Type{events.TypeCompleted, events.TypeCancelled, events.TypeFailed} {
		out = append(out, r.of(id, typ)...)
	}
	return out
}

func (r *recorder) states(id string) []domain.State {
	var out []domain.State
	for _, ev := range r.of(id, events.TypeState) {
		out = append(out, ev.State)
	}
	return out
}

type fixture struct {
	c       *Coordinator
	events  *recorder
	resume  *resume.Store
	objects *blob.Bucket
}

func setup(t *testing.T, configure ...func(*fixture, *Options)) *fixture {
	t.Helper()

	records := memblob.OpenBucket(nil)
	t.Cleanup(func() { records.Close() })

	f := &fixture{
		events:  &recorder{},
		resume:  resume.New(records),
		objects: memblob.OpenBucket(nil),
	}
	t.Cleanup(func() { f.objects.Close() })

	opts := Options{
		Downloader: downloader.New(downloader.Options{
			FlushInterval: 64 * 1024,
			HTTPOptions: shttp.Options{
				MaxIdleConnsPerHost: 4,
				Timeout:             5 * time.Second,
				RetryAttempts:       2,
				RetryBackoff:        time.Millisecond,
				RetryMaxBackoff:     5 * time.Millisecond,
			},
		}),
		Resume:   f.resume,
		Events:   f.events,
		Progress: progress.Options{Interval: 5 * time.Millisecond, TextInterval: 10 * time.Millisecond},
	}
	for _, fn := range configure {
		fn(f, &opts)
	}

	f.c = New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.c.Close(ctx)
	})
	return f
}

// withUploader uploads into f.objects, optionally through a decorator.
func withUploader(opts uploader.Options, wrap func(objstore.Store) objstore.Store) func(*fixture, *Options) {
	return func(f *fixture, o *Options) {
		var store objstore.Store = blobstore.New(func(context.Context, string) (*blob.Bucket, error) {
			return f.objects, nil
		})
		if wrap != nil {
			store = wrap(store)
		}
		o.Uploader = uploader.New(store, opts)
	}
}

func wait(t *testing.T, s *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "session did not finish")
	return err
}

func waitForBytes(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Latest().TransferredBytes > 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDownloadCompletes(t *testing.T) {
	data := testutils.GenerateTestData(t, 512*1024)
	srv := testutils.NewServer(t, testutils.File{Name: "file.bin", Data: data})
	f := setup(t)
	path := filepath.Join(t.TempDir(), "file.bin")
	url := srv.FileURL("file.bin")

	s, err := f.c.StartDownload(context.Background(), DownloadRequest{URL: url, LocalPath: path, Resume: true})
	require.NoError(t, err)
	require.NoError(t, wait(t, s))

	testutils.CompareFile(t, path, data)

	info := s.Info()
	assert.Equal(t, domain.StateCompleted, info.State)
	assert.Equal(t, int64(len(data)), info.TransferredBytes)
	assert.False(t, info.IsResumed)
	assert.Equal(t, path, info.Location)

	assert.Equal(t, []domain.State{domain.StateDownloading, domain.StateExtracting}, f.events.states(s.ID))
	extract := f.events.of(s.ID, events.TypeExtract)
	require.Len(t, extract, 1)
	assert.Equal(t, float64(100), extract[0].Extract.Percent)

	terminal := f.events.terminal(s.ID)
	require.Len(t, terminal, 1)
	assert.Equal(t, events.TypeCompleted, terminal[0].Type)
	assert.Equal(t, domain.StateCompleted, terminal[0].State)

	rec, err := f.resume.Lookup(context.Background(), url, path)
	require.NoError(t, err)
	assert.Nil(t, rec, "record survived completion")
}

func TestProgressIsMonotonic(t *testing.T) {
	data := testutils.GenerateTestData(t, 1024*1024)
	srv := testutils.NewServer(t, testutils.File{Name: "file.bin", Data: data})
	srv.Throttle(time.Millisecond)
	f := setup(t)

	s, err := f.c.StartDownload(context.Background(), DownloadRequest{
		URL:       srv.FileURL("file.bin"),
		LocalPath: filepath.Join(t.TempDir(), "file.bin"),
	})
	require.NoError(t, err)
	require.NoError(t, wait(t, s))

	snaps := f.events.of(s.ID, events.TypeProgress)
	require.NotEmpty(t, snaps)
	for i := 1; i < len(snaps); i++ {
		assert.GreaterOrEqual(t, snaps[i].Progress.TransferredBytes, snaps[i-1].Progress.TransferredBytes)
	}
	last := snaps[len(snaps)-1].Progress
	assert.Equal(t, int64(len(data)), last.TransferredBytes)
	assert.Equal(t, float64(100), last.Percent)
}

func TestResumeInterruptedDownload(t *testing.T) {
	ctx := context.Background()
	data := testutils.GenerateTestData(t, 1_000_000)
	srv := testutils.NewServer(t, testutils.File{Name: "file.bin", Data: data, ETag: "v1"})
	f := setup(t)
	url := srv.FileURL("file.bin")
	path := filepath.Join(t.TempDir(), "file.bin")

	testutils.WriteFile(t, path, data[:400_000])
	require.NoError(t, f.resume.Begin(ctx, url, path, domain.RemoteIdentity{Size: 1_000_000, ETag: "v1"}, 400_000))

	status, err := f.c.CheckResumable(ctx, url, path)
	require.NoError(t, err)
	assert.Equal(t, &ResumeStatus{CanResume: true, DownloadedBytes: 400_000, TotalBytes: 1_000_000}, status)

	s, err := f.c.StartDownload(ctx, DownloadRequest{URL: url, LocalPath: path, Resume: true})
	require.NoError(t, err)
	require.NoError(t, wait(t, s))

	testutils.CompareFile(t, path, data)
	info := s.Info()
	assert.True(t, info.IsResumed)
	assert.Equal(t, int64(1_000_000), info.TransferredBytes)

	gets := srv.Gets()
	require.Len(t, gets, 1)
	assert.Equal(t, "bytes=400000-", gets[0].Range)

	for _, ev := range f.events.of(s.ID, events.TypeProgress) {
		assert.True(t, ev.Progress.IsResumed)
		assert.GreaterOrEqual(t, ev.Progress.TransferredBytes, int64(400_000))
	}
}

func TestResumeWithoutETag(t *testing.T) {
	ctx := context.Background()
	data := testutils.GenerateTestData(t, 1_000_000)
	modified := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var (
		mu       sync.Mutex
		ranges   []string
		ifRanges []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			mu.Lock()
			ranges = append(ranges, r.Header.Get("Range"))
			ifRanges = append(ifRanges, r.Header.Get("If-Range"))
			mu.Unlock()
		}
		http.ServeContent(w, r, "file.bin", modified, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	f := setup(t)
	url := srv.URL + "/file.bin"
	path := filepath.Join(t.TempDir(), "file.bin")

	testutils.WriteFile(t, path, data[:400_000])
	require.NoError(t, f.resume.Begin(ctx, url, path, domain.RemoteIdentity{Size: 1_000_000, LastModified: modified}, 400_000))

	status, err := f.c.CheckResumable(ctx, url, path)
	require.NoError(t, err)
	assert.Equal(t, &ResumeStatus{CanResume: true, DownloadedBytes: 400_000, TotalBytes: 1_000_000}, status)

	s, err := f.c.StartDownload(ctx, DownloadRequest{URL: url, LocalPath: path, Resume: true})
	require.NoError(t, err)
	require.NoError(t, wait(t, s))

	testutils.CompareFile(t, path, data)
	assert.True(t, s.Info().IsResumed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ranges, 1)
	assert.Equal(t, "bytes=400000-", ranges[0])
	assert.Equal(t, "Wed, 01 Jan 2025 00:00:00 GMT", ifRanges[0])
}

func TestStaleRecordStartsFresh(t *testing.T) {
	ctx := context.Background()
	data := testutils.GenerateTestData(t, 300_000)
	srv := testutils.NewServer(t, testutils.File{Name: "file.bin", Data: data, ETag: "v2"})
	f := setup(t)
	url := srv.FileURL("file.bin")
	path := filepath.Join(t.TempDir(), "file.bin")

	testutils.WriteFile(t, path, make([]byte, 100_000))
	require.NoError(t, f.resume.Begin(ctx, url, path, domain.RemoteIdentity{Size: 300_000, ETag: "v1"}, 100_000))

	status, err := f.c.CheckResumable(ctx, url, path)
	require.NoError(t, err)
	assert.False(t, status.CanResume)

	s, err := f.c.StartDownload(ctx, DownloadRequest{URL: url, LocalPath: path, Resume: true})
	require.NoError(t, err)
	require.NoError(t, wait(t, s))

	testutils.CompareFile(t, path, data)
	assert.False(t, s.Info().IsResumed)
	gets := srv.Gets()
	require.Len(t, gets, 1)
	assert.Empty(t, gets[0].Range)
}

func TestResumeMismatchRestartsFresh(t *testing.T) {
	ctx := context.Background()
	data := testutils.GenerateTestData(t, 200_000)

	// HEAD still advertises the old version; GET already serves the new one.
	var mu sync.Mutex
	var gets []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodHead {
			w.Header().Set("ETag", `"v1"`)
			return
		}
		mu.Lock()
		gets = append(gets, r.Header.Get("Range"))
		mu.Unlock()
		w.Header().Set("ETag", `"v2"`)
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	f := setup(t)
	path := filepath.Join(t.TempDir(), "file.bin")
	testutils.WriteFile(t, path, make([]byte, 50_000))
	require.NoError(t, f.resume.Begin(ctx, srv.URL, path, domain.RemoteIdentity{Size: 200_000, ETag: "v1"}, 50_000))

	s, err := f.c.StartDownload(ctx, DownloadRequest{URL: srv.URL, LocalPath: path, Resume: true})
	require.NoError(t, err)
	require.NoError(t, wait(t, s))

	testutils.CompareFile(t, path, data)
	assert.False(t, s.Info().IsResumed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, gets, 2)
	assert.Equal(t, "bytes=50000-", gets[0])
	assert.Empty(t, gets[1])
}

func TestDuplicateStartRejected(t *testing.T) {
	data := testutils.GenerateTestData(t, 2*1024*1024)
	srv := testutils.NewServer(t, testutils.File{Name: "file.bin", Data: data})
	srv.Throttle(20 * time.Millisecond)
	f := setup(t)
	url := srv.FileURL("file.bin")
	path := filepath.Join(t.TempDir(), "file.bin")

	first, err := f.c.StartDownload(context.Background(), DownloadRequest{URL: url, LocalPath: path, Resume: true})
	require.NoError(t, err)

	_, err = f.c.StartDownload(context.Background(), DownloadRequest{URL: url, LocalPath: path, Resume: true})
	assert.ErrorIs(t, err, domain.ErrAlreadyInProgress)

	_, err = f.c.StartDownload(context.Background(), DownloadRequest{URL: url, LocalPath: path + ".copy"})
	assert.ErrorIs(t, err, domain.ErrAlreadyInProgress, "same resource, other path")

	assert.Equal(t, domain.StateDownloading, first.State())
	assert.Empty(t, f.events.terminal(first.ID))

	require.NoError(t, f.c.Cancel(first.ID))
	assert.ErrorIs(t, wait(t, first), domain.ErrUserCancelled)
}

func TestCancelIsIdempotent(t *testing.T) {
	data := testutils.GenerateTestData(t, 2*1024*1024)
	srv := testutils.NewServer(t, testutils.File{Name: "file.bin", Data: data})
	srv.Throttle(20 * time.Millisecond)
	f := setup(t)

	s, err := f.c.StartDownload(context.Background(), DownloadRequest{
		URL:       srv.FileURL("file.bin"),
		LocalPath: filepath.Join(t.TempDir(), "file.bin"),
		Resume:    true,
	})
	require.NoError(t, err)
	waitForBytes(t, s)

	require.NoError(t, f.c.Cancel(s.ID))
	require.NoError(t, f.c.Cancel(s.ID))
	assert.ErrorIs(t, wait(t, s), domain.ErrUserCancelled)

	require.NoError(t, f.c.Cancel(s.ID), "cancel after settling is ignored")

	assert.Equal(t, domain.StateIdle, s.State())
	assert.Equal(t, []domain.State{domain.StateDownloading, domain.StateCancelling}, f.events.states(s.ID))
	terminal := f.events.terminal(s.ID)
	require.Len(t, terminal, 1)
	assert.Equal(t, events.TypeCancelled, terminal[0].Type)
	assert.Equal(t, domain.StateIdle, terminal[0].State)
	assert.Empty(t, s.Info().Error)
}

func TestCancelKeepsResumablePartial(t *testing.T) {
	ctx := context.Background()
	data := testutils.GenerateTestData(t, 2*1024*1024)
	srv := testutils.NewServer(t, testutils.File{Name: "file.bin", Data: data})
	srv.Throttle(20 * time.Millisecond)
	f := setup(t)
	url := srv.FileURL("file.bin")
	path := filepath.Join(t.TempDir(), "file.bin")

	s, err := f.c.StartDownload(ctx, DownloadRequest{URL: url, LocalPath: path, Resume: true})
	require.NoError(t, err)
	waitForBytes(t, s)
	require.NoError(t, f.c.Cancel(s.ID))
	require.ErrorIs(t, wait(t, s), domain.ErrUserCancelled)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	status, err := f.c.CheckResumable(ctx, url, path)
	require.NoError(t, err)
	require.True(t, status.CanResume)
	assert.Equal(t, fi.Size(), status.DownloadedBytes)

	srv.Throttle(0)
	s, err = f.c.StartDownload(ctx, DownloadRequest{URL: url, LocalPath: path, Resume: true})
	require.NoError(t, err)
	require.NoError(t, wait(t, s))
	testutils.CompareFile(t, path, data)
	assert.True(t, s.Info().IsResumed)
}

func TestCancelWithoutResumeDeletesPartial(t *testing.T) {
	ctx := context.Background()
	data := testutils.GenerateTestData(t, 2*1024*1024)
	srv := testutils.NewServer(t, testutils.File{Name: "file.bin", Data: data})
	srv.Throttle(20 * time.Millisecond)
	f := setup(t)
	url := srv.FileURL("file.bin")
	path := filepath.Join(t.TempDir(), "file.bin")

	s, err := f.c.StartDownload(ctx, DownloadRequest{URL: url, LocalPath: path, Resume: false})
	require.NoError(t, err)
	waitForBytes(t, s)
	require.NoError(t, f.c.Cancel(s.ID))
	require.ErrorIs(t, wait(t, s), domain.ErrUserCancelled)

	_, err = os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	rec, err := f.resume.Lookup(ctx, url, path)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDownloadFailure(t *testing.T) {
	srv := testutils.NewServer(t)
	f := setup(t)

	s, err := f.c.StartDownload(context.Background(), DownloadRequest{
		URL:       srv.FileURL("missing.bin"),
		LocalPath: filepath.Join(t.TempDir(), "missing.bin"),
	})
	require.NoError(t, err)

	err = wait(t, s)
	assert.ErrorIs(t, err, shttp.ErrNotFound)
	assert.Equal(t, domain.StateError, s.State())
	assert.NotEmpty(t, s.Info().Error)

	terminal := f.events.terminal(s.ID)
	require.Len(t, terminal, 1)
	assert.Equal(t, events.TypeFailed, terminal[0].Type)
	assert.NotEmpty(t, terminal[0].Reason)

	require.NoError(t, f.c.Cancel(s.ID), "cancel after failure is ignored")
}

func TestExtractionRelayed(t *testing.T) {
	data := testutils.GenerateTestData(t, 64*1024)
	srv := testutils.NewServer(t, testutils.File{Name: "a.zip", Data: data})

	var extracted string
	f := setup(t, func(_ *fixture, o *Options) {
		o.Extractor = ExtractorFunc(func(_ context.Context, path string, progress func(domain.ExtractProgress)) error {
			extracted = path
			for i := 1; i <= 4; i++ {
				progress(domain.ExtractProgress{Percent: float64(i * 25), ExtractedCount: i, TotalCount: 4})
			}
			return nil
		})
	})
	path := filepath.Join(t.TempDir(), "a.zip")

	s, err := f.c.StartDownload(context.Background(), DownloadRequest{URL: srv.FileURL("a.zip"), LocalPath: path})
	require.NoError(t, err)
	require.NoError(t, wait(t, s))

	assert.Equal(t, path, extracted)
	ev := f.events.of(s.ID, events.TypeExtract)
	require.Len(t, ev, 4)
	assert.Equal(t, 4, ev[3].Extract.ExtractedCount)
	assert.Equal(t, domain.StateExtracting, ev[0].State)
}

func TestExtractionFailure(t *testing.T) {
	srv := testutils.NewServer(t, testutils.File{Name: "a.zip", Data: []byte("not a zip")})
	f := setup(t, func(_ *fixture, o *Options) {
		o.Extractor = ExtractorFunc(func(context.Context, string, func(domain.ExtractProgress)) error {
			return errors.New("corrupt archive")
		})
	})

	s, err := f.c.StartDownload(context.Background(), DownloadRequest{
		URL:       srv.FileURL("a.zip"),
		LocalPath: filepath.Join(t.TempDir(), "a.zip"),
	})
	require.NoError(t, err)
	assert.ErrorContains(t, wait(t, s), "corrupt archive")
	assert.Equal(t, domain.StateError, s.State())
}

func TestCancelOwner(t *testing.T) {
	data := testutils.GenerateTestData(t, 2*1024*1024)
	srv := testutils.NewServer(t,
		testutils.File{Name: "1.bin", Data: data},
		testutils.File{Name: "2.bin", Data: data},
		testutils.File{Name: "3.bin", Data: data},
	)
	srv.Throttle(20 * time.Millisecond)
	f := setup(t)
	dir := t.TempDir()

	start := func(name, owner string) *Session {
		s, err := f.c.StartDownload(context.Background(), DownloadRequest{
			URL:       srv.FileURL(name),
			LocalPath: filepath.Join(dir, name),
			Owner:     owner,
		})
		require.NoError(t, err)
		return s
	}
	a1, a2, b := start("1.bin", "alice"), start("2.bin", "alice"), start("3.bin", "bob")

	assert.Equal(t, 2, f.c.CancelOwner("alice"))
	assert.ErrorIs(t, wait(t, a1), domain.ErrUserCancelled)
	assert.ErrorIs(t, wait(t, a2), domain.ErrUserCancelled)
	assert.Equal(t, domain.StateDownloading, b.State())
	assert.Equal(t, 0, f.c.CancelOwner("alice"))

	require.NoError(t, f.c.Cancel(b.ID))
	assert.ErrorIs(t, wait(t, b), domain.ErrUserCancelled)
}

func TestCancelOwnerDuringStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	f := setup(t)
	dir := t.TempDir()

	for i := range 20 {
		started := make(chan *Session, 1)
		go func() {
			s, err := f.c.StartDownload(context.Background(), DownloadRequest{
				URL:       srv.URL + "/" + strconv.Itoa(i),
				LocalPath: filepath.Join(dir, strconv.Itoa(i)),
				Owner:     "racer",
			})
			assert.NoError(t, err)
			started <- s
		}()

		// Every session counted as cancelled must actually stop.
		require.Eventually(t, func() bool {
			return f.c.CancelOwner("racer") > 0
		}, 5*time.Second, time.Microsecond)
		s := <-started
		require.NotNil(t, s)
		assert.ErrorIs(t, wait(t, s), domain.ErrUserCancelled)
	}
}

func TestCloseCleansUp(t *testing.T) {
	data := testutils.GenerateTestData(t, 2*1024*1024)
	srv := testutils.NewServer(t, testutils.File{Name: "tmp.bin", Data: data}, testutils.File{Name: "keep.bin", Data: data})
	srv.Throttle(20 * time.Millisecond)
	f := setup(t)
	dir := t.TempDir()

	tmp, err := f.c.StartDownload(context.Background(), DownloadRequest{URL: srv.FileURL("tmp.bin"), LocalPath: filepath.Join(dir, "tmp.bin")})
	require.NoError(t, err)
	keep, err := f.c.StartDownload(context.Background(), DownloadRequest{URL: srv.FileURL("keep.bin"), LocalPath: filepath.Join(dir, "keep.bin"), Resume: true})
	require.NoError(t, err)
	waitForBytes(t, tmp)
	waitForBytes(t, keep)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.c.Close(ctx))

	assert.Equal(t, domain.StateIdle, tmp.State())
	assert.Equal(t, domain.StateIdle, keep.State())
	assert.NoFileExists(t, filepath.Join(dir, "tmp.bin"))
	assert.FileExists(t, filepath.Join(dir, "keep.bin"))

	_, err = f.c.StartDownload(context.Background(), DownloadRequest{URL: srv.FileURL("tmp.bin"), LocalPath: filepath.Join(dir, "tmp.bin")})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionLookup(t *testing.T) {
	f := setup(t)

	_, err := f.c.Session("nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, f.c.Cancel("nope"), domain.ErrSessionNotFound)
	_, _, err = f.c.Subscribe("nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestStartValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.c.StartDownload(ctx, DownloadRequest{URL: "http://x"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	_, err = f.c.UploadFile(ctx, UploadRequest{LocalPath: "/x", Bucket: "b", Key: "k"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest, "no uploader configured")
}

func TestSubscribeAfterFinish(t *testing.T) {
	data := testutils.GenerateTestData(t, 64*1024)
	srv := testutils.NewServer(t, testutils.File{Name: "file.bin", Data: data})
	f := setup(t)

	s, err := f.c.StartDownload(context.Background(), DownloadRequest{
		URL:       srv.FileURL("file.bin"),
		LocalPath: filepath.Join(t.TempDir(), "file.bin"),
	})
	require.NoError(t, err)
	require.NoError(t, wait(t, s))

	ch, cancel, err := f.c.Subscribe(s.ID)
	require.NoError(t, err)
	defer cancel()

	snap, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), snap.TransferredBytes)
	_, ok = <-ch
	assert.False(t, ok)
}

// gateStore holds uploads until released or cancelled.
type gateStore struct {
	objstore.Store

	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate(s objstore.Store) *gateStore {
	return &gateStore{Store: s, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gateStore) wait(ctx context.Context) error {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gateStore) PutObject(ctx context.Context, obj objstore.Object, r io.Reader, size int64, contentType string) (*objstore.ObjectInfo, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	return g.Store.PutObject(ctx, obj, r, size, contentType)
}

func (g *gateStore) UploadPart(ctx context.Context, obj objstore.Object, uploadID string, n int, r io.ReadSeeker, size int64) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", err
	}
	return g.Store.UploadPart(ctx, obj, uploadID, n, r, size)
}

type failingStore struct {
	objstore.Store
}

func (failingStore) UploadPart(context.Context, objstore.Object, string, int, io.ReadSeeker, int64) (string, error) {
	return "", errors.New("backend unavailable")
}

func smallParts() uploader.Options {
	return uploader.Options{
		PartSize:           1024,
		MultipartThreshold: 4096,
		MaxConcurrentParts: 2,
		CancelSinglePut:    true,
	}
}

func writeUpload(t *testing.T, size int64) (string, []byte) {
	t.Helper()
	data := testutils.GenerateTestData(t, size)
	path := filepath.Join(t.TempDir(), "upload.bin")
	testutils.WriteFile(t, path, data)
	return path, data
}

func TestUploadCompletes(t *testing.T) {
	f := setup(t, withUploader(smallParts(), nil))
	path, data := writeUpload(t, 10*1024)

	s, err := f.c.UploadFile(context.Background(), UploadRequest{LocalPath: path, Bucket: "media", Key: "out.bin"})
	require.NoError(t, err)
	require.NoError(t, wait(t, s))

	got, err := f.objects.ReadAll(context.Background(), "out.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	info := s.Info()
	assert.Equal(t, domain.StateCompleted, info.State)
	assert.Equal(t, "media/out.bin", info.Location)
	assert.Equal(t, []domain.State{domain.StateUploading}, f.events.states(s.ID))

	progress := f.events.of(s.ID, events.TypeUploadProgress)
	require.NotEmpty(t, progress)
	last := progress[len(progress)-1].Upload
	assert.True(t, last.Completed)
	assert.Equal(t, "out.bin", last.Key)
	assert.Equal(t, int64(len(data)), last.LoadedBytes)
	assert.Equal(t, int64(len(data)), last.TotalBytes)
}

func TestUploadCancelAbortsParts(t *testing.T) {
	var gate *gateStore
	f := setup(t, withUploader(smallParts(), func(s objstore.Store) objstore.Store {
		gate = newGate(s)
		return gate
	}))
	path, _ := writeUpload(t, 10*1024)

	s, err := f.c.UploadFile(context.Background(), UploadRequest{LocalPath: path, Bucket: "media", Key: "out.bin"})
	require.NoError(t, err)
	<-gate.entered

	require.NoError(t, f.c.Cancel(s.ID))
	assert.ErrorIs(t, wait(t, s), domain.ErrUserCancelled)
	assert.Equal(t, domain.StateIdle, s.State())

	var left []string
	iter := f.objects.List(nil)
	for {
		obj, err := iter.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		left = append(left, obj.Key)
	}
	assert.Empty(t, left, "objects left after abort")

	progress := f.events.of(s.ID, events.TypeUploadProgress)
	require.NotEmpty(t, progress)
	assert.True(t, progress[len(progress)-1].Upload.Cancelled)
}

func TestSinglePutNotCancellable(t *testing.T) {
	opts := smallParts()
	opts.CancelSinglePut = false

	var gate *gateStore
	f := setup(t, withUploader(opts, func(s objstore.Store) objstore.Store {
		gate = newGate(s)
		return gate
	}))
	path, data := writeUpload(t, 100)

	s, err := f.c.UploadFile(context.Background(), UploadRequest{LocalPath: path, Bucket: "media", Key: "small.bin"})
	require.NoError(t, err)
	assert.False(t, s.Info().Cancellable)
	<-gate.entered

	assert.ErrorIs(t, f.c.Cancel(s.ID), domain.ErrNotCancellable)
	close(gate.release)
	require.NoError(t, wait(t, s))

	got, err := f.objects.ReadAll(context.Background(), "small.bin")
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestUploadFailure(t *testing.T) {
	f := setup(t, withUploader(smallParts(), func(s objstore.Store) objstore.Store {
		return failingStore{s}
	}))
	path, _ := writeUpload(t, 10*1024)

	s, err := f.c.UploadFile(context.Background(), UploadRequest{LocalPath: path, Bucket: "media", Key: "out.bin"})
	require.NoError(t, err)

	var partErr *domain.UploadPartError
	assert.ErrorAs(t, wait(t, s), &partErr)
	assert.Equal(t, domain.StateError, s.State())

	terminal := f.events.terminal(s.ID)
	require.Len(t, terminal, 1)
	assert.Equal(t, events.TypeFailed, terminal[0].Type)

	exists, err := f.objects.Exists(context.Background(), "out.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestUploadRejectsConcurrentSameObject(t *testing.T) {
	var gate *gateStore
	f := setup(t, withUploader(smallParts(), func(s objstore.Store) objstore.Store {
		gate = newGate(s)
		return gate
	}))
	path, _ := writeUpload(t, 10*1024)
	other, _ := writeUpload(t, 10*1024)

	s, err := f.c.UploadFile(context.Background(), UploadRequest{LocalPath: path, Bucket: "media", Key: "out.bin"})
	require.NoError(t, err)

	_, err = f.c.UploadFile(context.Background(), UploadRequest{LocalPath: other, Bucket: "media", Key: "out.bin"})
	assert.ErrorIs(t, err, domain.ErrAlreadyInProgress)

	close(gate.release)
	require.NoError(t, wait(t, s))
}

func TestUploadMissingFile(t *testing.T) {
	f := setup(t, withUploader(smallParts(), nil))

	_, err := f.c.UploadFile(context.Background(), UploadRequest{
		LocalPath: filepath.Join(t.TempDir(), "nope"),
		Bucket:    "media",
		Key:       "k",
	})
	var storageErr *domain.StorageError
	assert.ErrorAs(t, err, &storageErr)
}
