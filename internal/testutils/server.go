// Package testutils provides shared test infrastructure: an in-process data
// server that behaves like the storage backends tickets point at, and a
// MinIO container for integration tests.
package testutils

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// GenerateTestData returns size bytes of a deterministic pattern.
func GenerateTestData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

// Request is a request seen by a DataServer.
type Request struct {
	Method string
	Path   string
	Query  string
	Range  string
	Header http.Header
}

// Resource is a file served by a DataServer.
type Resource struct {
	Data []byte

	// AdvertisedLength, when non-zero, is reported by HEAD and in
	// Content-Range totals instead of len(Data).
	AdvertisedLength int64

	// HeadStatus, when non-zero, is the status returned for HEAD.
	HeadStatus int

	// FailFirst answers the first N GETs with 503.
	FailFirst int

	// EmptyFirst answers the N GETs after FailFirst with an empty body.
	EmptyFirst int

	// IgnoreRanges serves the full body with 200 regardless of Range.
	IgnoreRanges bool

	// Authorization, when set, must match the request's header or the
	// server answers 401.
	Authorization string

	// RejectAuthorization answers 400 to any request carrying an
	// Authorization header, the way presigned URLs do.
	RejectAuthorization bool

	// Stall makes GET responses send StallAfter body bytes, flush, then
	// hang until the client gives up or the server closes. The first
	// StallSkip GETs are served in full.
	Stall      bool
	StallAfter int
	StallSkip  int

	gets atomic.Int64
}

// DataServer serves Resources by path with range support. A GET whose
// query carries start and end is answered with that slice of the data,
// the way servers that select ranges by URL do.
type DataServer struct {
	*httptest.Server

	mu        sync.Mutex
	resources map[string]*Resource
	requests  []Request
	stop      chan struct{}
}

// NewDataServer starts a DataServer, closed at test cleanup.
func NewDataServer(t testing.TB) *DataServer {
	t.Helper()

	s := &DataServer{resources: make(map[string]*Resource), stop: make(chan struct{})}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		close(s.stop)
		s.Close()
	})
	return s
}

// Add registers r under path and returns its URL.
func (s *DataServer) Add(path string, r *Resource) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resources[path] = r
	return s.URL + path
}

// Requests returns a copy of every request seen so far.
func (s *DataServer) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Request(nil), s.requests...)
}

// Gets returns the number of GETs served for path.
func (s *DataServer) Gets(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.requests {
		if r.Method == http.MethodGet && r.Path == path {
			n++
		}
	}
	return n
}

func (s *DataServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Range:  r.Header.Get("Range"),
		Header: r.Header.Clone(),
	})
	res, ok := s.resources[r.URL.Path]
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if res.RejectAuthorization && r.Header.Get("Authorization") != "" {
		http.Error(w, "only one auth mechanism allowed", http.StatusBadRequest)
		return
	}
	if res.Authorization != "" && r.Header.Get("Authorization") != res.Authorization {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	size := int64(len(res.Data))
	advertised := size
	if res.AdvertisedLength != 0 {
		advertised = res.AdvertisedLength
	}

	if r.Method == http.MethodHead {
		if res.HeadStatus != 0 {
			w.WriteHeader(res.HeadStatus)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(advertised, 10))
		w.Header().Set("Accept-Ranges", "bytes")
		return
	}

	n := int(res.gets.Add(1))
	stall := res.Stall && n > res.StallSkip
	if n <= res.FailFirst {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if n <= res.FailFirst+res.EmptyFirst {
		w.Header().Set("Content-Length", "0")
		return
	}

	data := res.Data
	q := r.URL.Query()
	if q.Has("start") && q.Has("end") {
		start, _ := strconv.ParseInt(q.Get("start"), 10, 64)
		end, _ := strconv.ParseInt(q.Get("end"), 10, 64)
		data = data[min(start, size):min(end, size)]
		size = int64(len(data))
		advertised = size
	}

	rng := r.Header.Get("Range")
	if rng == "" || res.IgnoreRanges {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		s.write(w, r, res, stall, data)
		return
	}

	first, last, _ := strings.Cut(strings.TrimPrefix(rng, "bytes="), "-")
	start, _ := strconv.ParseInt(first, 10, 64)
	end := size - 1
	if last != "" {
		end, _ = strconv.ParseInt(last, 10, 64)
	}

	if start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", advertised))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if end >= size {
		end = size - 1
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, advertised))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	s.write(w, r, res, stall, data[start:end+1])
}

func (s *DataServer) write(w http.ResponseWriter, r *http.Request, res *Resource, stall bool, body []byte) {
	if !stall {
		w.Write(body)
		return
	}

	w.Write(body[:min(res.StallAfter, len(body))])
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	select {
	case <-r.Context().Done():
	case <-s.stop:
	}
}

// CompareReaderToData compares reader output with expected data in chunks.
func CompareReaderToData(t testing.TB, reader io.Reader, expected []byte) {
	t.Helper()

	buf := make([]byte, 64*1024)
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
