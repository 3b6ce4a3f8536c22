// Package testutils provides shared test infrastructure: a range-capable
// HTTP origin and helpers for generating and comparing payloads.
package testutils

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// GenerateTestData generates test data of the given size.
// For sizes up to 10MB the pattern is deterministic, larger sizes are random.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 251)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// File is a resource served by Server.
type File struct {
	Name string
	Data []byte

	// ETag defaults to a value derived from Name.
	ETag string

	// NoRanges makes the server ignore Range headers.
	NoRanges bool
}

// Request is a GET or HEAD seen by Server.
type Request struct {
	Method  string
	Path    string
	Range   string
	IfRange string
}

// Server is an HTTP origin with byte-range and If-Range support.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	files     map[string]File
	requests  []Request
	failAfter map[string]int64
	delay     time.Duration
}

// NewServer starts a Server serving files. It is closed on test cleanup.
func NewServer(t *testing.T, files ...File) *Server {
	t.Helper()

	s := &Server{
		files:     make(map[string]File),
		failAfter: make(map[string]int64),
	}
	for _, f := range files {
		s.Replace(f)
	}

	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// FileURL returns the URL of a served file.
func (s *Server) FileURL(name string) string {
	return s.URL + "/" + name
}

// Replace swaps the content of a file, simulating a change at the origin.
func (s *Server) Replace(f File) {
	if f.ETag == "" {
		f.ETag = fmt.Sprintf("%s-%d", f.Name, len(f.Data))
	}
	s.mu.Lock()
	s.files["/"+f.Name] = f
	s.mu.Unlock()
}

// FailAfter makes the next GET of name drop the connection after n body bytes.
func (s *Server) FailAfter(name string, n int64) {
	s.mu.Lock()
	s.failAfter["/"+name] = n
	s.mu.Unlock()
}

// Throttle sleeps d between every 32KiB written.
func (s *Server) Throttle(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// Requests returns the requests seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Gets returns the GET requests seen so far.
func (s *Server) Gets() []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == http.MethodGet {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Range:   r.Header.Get("Range"),
		IfRange: r.Header.Get("If-Range"),
	})
	f, ok := s.files[r.URL.Path]
	cut, failing := s.failAfter[r.URL.Path]
	if failing && r.Method == http.MethodGet {
		delete(s.failAfter, r.URL.Path)
	}
	delay := s.delay
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}

	size := int64(len(f.Data))
	w.Header().Set("ETag", `"`+f.ETag+`"`)
	if !f.NoRanges {
		w.Header().Set("Accept-Ranges", "bytes")
	}

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		return
	}

	start, end := int64(0), size-1
	status := http.StatusOK

	rangeHeader := r.Header.Get("Range")
	ifRange := r.Header.Get("If-Range")
	if rangeHeader != "" && !f.NoRanges && (ifRange == "" || ifRange == `"`+f.ETag+`"`) {
		var err error
		start, end, err = parseRange(rangeHeader, size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}

	body := f.Data[start : end+1]
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)

	if failing && cut < int64(len(body)) {
		// Short body: the server closes the connection after the handler.
		body = body[:cut]
	}

	flusher, _ := w.(http.Flusher)
	for len(body) > 0 {
		n := min(len(body), 32*1024)
		if _, err := w.Write(body[:n]); err != nil {
			return
		}
		body = body[n:]
		if flusher != nil {
			flusher.Flush()
		}
		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// parseRange parses "bytes=start-" or "bytes=start-end".
func parseRange(header string, size int64) (int64, int64, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("unsupported range %q", header)
	}
	from, to, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range %q", header)
	}

	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, fmt.Errorf("unsatisfiable range %q", header)
	}

	end := size - 1
	if to != "" {
		end, err = strconv.ParseInt(to, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("invalid range %q", header)
		}
		end = min(end, size-1)
	}
	return start, end, nil
}

// WriteFile writes data to path, failing the test on error.
func WriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// CompareReaderToData compares reader output with expected data in chunks.
func CompareReaderToData(t *testing.T, reader io.Reader, expected []byte) {
	t.Helper()

	buf := make([]byte, 1024*1024)
	offset := 0

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if offset+n > len(expected) {
				t.Fatalf("read more data than expected: offset=%d, n=%d, expected len=%d",
					offset, n, len(expected))
			}
			if !bytes.Equal(buf[:n], expected[offset:offset+n]) {
				t.Fatalf("data mismatch at offset %d", offset)
			}
			offset += n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read error at offset %d: %v", offset, err)
		}
	}

	if offset != len(expected) {
		t.Fatalf("incomplete read: got %d bytes, want %d", offset, len(expected))
	}
}

// CompareFile fails the test unless the file at path holds exactly expected.
func CompareFile(t *testing.T, path string, expected []byte) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	CompareReaderToData(t, f, expected)
}
