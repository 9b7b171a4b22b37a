package downloader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hfhttp "github.com/EGA-archive/ega-htsget-client/internal/http"
	"github.com/EGA-archive/ega-htsget-client/internal/htsget"
	"github.com/EGA-archive/ega-htsget-client/internal/testutils"
	"github.com/EGA-archive/ega-htsget-client/pkg/stream"
)

func testOptions(fs billy.Filesystem) Options {
	return Options{
		Retries:         2,
		BufferSize:      4096,
		BlockSize:       1024,
		QueueSize:       2,
		OpenAttempts:    2,
		OpenBackoff:     time.Millisecond,
		ResolveAttempts: 2,
		ResolveBackoff:  time.Millisecond,
		Staging:         fs,
	}
}

func entry(url string, headers ...string) htsget.URLEntry {
	e := htsget.URLEntry{URL: url, Headers: http.Header{}}
	for i := 0; i+1 < len(headers); i += 2 {
		e.Headers.Set(headers[i], headers[i+1])
	}
	return e
}

func requireNoStagingFiles(t *testing.T, fs billy.Filesystem) {
	t.Helper()
	files, err := fs.ReadDir("/")
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, files, "staging files are removed")
}

func TestDownloadKeepsTicketOrder(t *testing.T) {
	data := testutils.GenerateTestData(50_000)
	server := testutils.NewDataServer(t)
	fileURL := server.Add("/file.bam", &testutils.Resource{Data: data})
	fs := memfs.New()

	ticket := &htsget.Ticket{
		Format: "BAM",
		URLs: []htsget.URLEntry{
			entry("data:;base64,SGVsbG8="),
			entry(fileURL, "Range", "bytes=100-20099"),
			entry(fileURL + "?start=0&end=10"),
			entry(fileURL),
		},
	}

	var out bytes.Buffer
	summary, err := Download(context.Background(), ticket, &out, testOptions(fs))
	require.NoError(t, err)
	require.NoError(t, summary.Err())

	var want []byte
	want = append(want, "Hello"...)
	want = append(want, data[100:20100]...)
	want = append(want, data[:10]...)
	want = append(want, data...)
	testutils.CompareReaderToData(t, &out, want)

	assert.Equal(t, uint64(len(want)), summary.BytesWritten)
	assert.Equal(t, "BAM", summary.Format)
	for i, res := range summary.Entries {
		assert.Equal(t, EntryCommitted, res.State, "entry %d", i)
		assert.Equal(t, 1, res.Attempts, "entry %d", i)
	}
	assert.True(t, summary.Entries[0].Inline)
	assert.Equal(t, digest.FromBytes(data[100:20100]), summary.Entries[1].Digest)
	assert.Equal(t, fileURL+"?...", summary.Entries[2].URL)

	requireNoStagingFiles(t, fs)
}

func TestDownloadRangedEntryExactBytes(t *testing.T) {
	data := testutils.GenerateTestData(1000)
	server := testutils.NewDataServer(t)
	fileURL := server.Add("/file", &testutils.Resource{Data: data})

	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{entry(fileURL, "range", "bytes=100-109")}}

	var out bytes.Buffer
	summary, err := Download(context.Background(), ticket, &out, testOptions(memfs.New()))
	require.NoError(t, err)
	require.NoError(t, summary.Err())

	assert.Equal(t, data[100:110], out.Bytes())
	assert.Equal(t, int64(10), summary.Entries[0].Bytes)
}

func TestDownloadShortResourceFailsAndContinues(t *testing.T) {
	server := testutils.NewDataServer(t)
	shortURL := server.Add("/short", &testutils.Resource{Data: testutils.GenerateTestData(50)})
	fs := memfs.New()

	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{
		entry(shortURL, "Range", "bytes=0-99"),
		entry("data:;base64,SGVsbG8="),
	}}

	var out bytes.Buffer
	summary, err := Download(context.Background(), ticket, &out, testOptions(fs))
	require.NoError(t, err, "entry failures do not stop the run")

	assert.Equal(t, "Hello", out.String(), "no bytes of the failed entry reach the output")
	assert.Equal(t, uint64(5), summary.BytesWritten)

	failed := summary.Entries[0]
	assert.Equal(t, EntryFailed, failed.State)
	assert.Equal(t, 3, failed.Attempts)
	assert.ErrorIs(t, failed.Err, stream.ErrIncomplete)
	assert.Equal(t, EntryCommitted, summary.Entries[1].State)

	var partial *PartialFailureError
	require.ErrorAs(t, summary.Err(), &partial)
	assert.Equal(t, 2, partial.Total)
	require.Len(t, partial.Failed, 1)
	assert.ErrorIs(t, summary.Err(), stream.ErrIncomplete)
	assert.Contains(t, partial.Error(), "1 of 2 entries failed")

	requireNoStagingFiles(t, fs)
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	data := testutils.GenerateTestData(5000)
	server := testutils.NewDataServer(t)
	fileURL := server.Add("/flaky", &testutils.Resource{Data: data, FailFirst: 3})

	opts := testOptions(memfs.New())
	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{entry(fileURL, "Range", "bytes=0-4999")}}

	var out bytes.Buffer
	summary, err := Download(context.Background(), ticket, &out, opts)
	require.NoError(t, err)
	require.NoError(t, summary.Err())

	assert.Equal(t, data, out.Bytes())
	assert.Equal(t, 2, summary.Entries[0].Attempts, "resolution retries absorb two failures, the entry retry the third")
}

func TestDownloadRetriesEmptySource(t *testing.T) {
	server := testutils.NewDataServer(t)
	fileURL := server.Add("/file", &testutils.Resource{Data: []byte("payload"), EmptyFirst: 1})

	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{entry(fileURL)}}

	var out bytes.Buffer
	summary, err := Download(context.Background(), ticket, &out, testOptions(memfs.New()))
	require.NoError(t, err)
	require.NoError(t, summary.Err())

	assert.Equal(t, "payload", out.String())
	assert.Equal(t, 2, server.Gets("/file"))
}

func TestDownloadEmptySourceExhausted(t *testing.T) {
	server := testutils.NewDataServer(t)
	fileURL := server.Add("/dead", &testutils.Resource{Data: []byte("payload"), EmptyFirst: 100})

	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{entry(fileURL)}}

	summary, err := Download(context.Background(), ticket, &bytes.Buffer{}, testOptions(memfs.New()))
	require.NoError(t, err)
	assert.ErrorIs(t, summary.Entries[0].Err, stream.ErrEmptySource)
	assert.Equal(t, 3*2, server.Gets("/dead"), "entry attempts times resolve attempts")
}

func TestDownloadUnrangedLengthGuard(t *testing.T) {
	data := testutils.GenerateTestData(50)
	server := testutils.NewDataServer(t)
	fileURL := server.Add("/file", &testutils.Resource{Data: data, AdvertisedLength: 100})

	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{
		entry(fileURL),
		entry(fileURL + "?start=0&end=50"),
	}}

	var out bytes.Buffer
	opts := testOptions(memfs.New())
	opts.Retries = -1
	summary, err := Download(context.Background(), ticket, &out, opts)
	require.NoError(t, err)

	assert.Equal(t, EntryFailed, summary.Entries[0].State, "advertised length is enforced")
	assert.Equal(t, 1, summary.Entries[0].Attempts)
	assert.ErrorIs(t, summary.Entries[0].Err, stream.ErrIncomplete)

	assert.Equal(t, EntryCommitted, summary.Entries[1].State, "URL-selected ranges are not bounded again")
	assert.Equal(t, data, out.Bytes())
}

func TestDownloadMalformedEntriesAreNotRetried(t *testing.T) {
	server := testutils.NewDataServer(t)
	fileURL := server.Add("/file", &testutils.Resource{Data: []byte("0123456789")})

	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{
		entry(fileURL, "Range", "bytes=9-1"),
		entry("data:no-payload"),
		entry(fileURL, "Range", "bytes=0-3"),
	}}

	var out bytes.Buffer
	summary, err := Download(context.Background(), ticket, &out, testOptions(memfs.New()))
	require.NoError(t, err)

	assert.Equal(t, "0123", out.String())
	assert.ErrorIs(t, summary.Entries[0].Err, htsget.ErrMalformedRange)
	assert.ErrorIs(t, summary.Entries[1].Err, htsget.ErrMalformedDataURI)
	for _, res := range summary.Entries[:2] {
		assert.Equal(t, EntryFailed, res.State)
		assert.Equal(t, 1, res.Attempts)
	}
	assert.Len(t, summary.Failed(), 2)
}

func TestDownloadNotFoundIsNotRetried(t *testing.T) {
	server := testutils.NewDataServer(t)
	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{entry(server.URL+"/missing", "Range", "bytes=0-9")}}

	summary, err := Download(context.Background(), ticket, &bytes.Buffer{}, testOptions(memfs.New()))
	require.NoError(t, err)

	res := summary.Entries[0]
	assert.ErrorIs(t, res.Err, hfhttp.ErrNotFound)
	assert.Equal(t, 1, res.Attempts)
}

func TestDownloadCredentials(t *testing.T) {
	server := testutils.NewDataServer(t)
	ticketAuth := server.Add("/a", &testutils.Resource{Data: []byte("aaaa"), Authorization: "Bearer from-ticket"})
	fallbackAuth := server.Add("/b", &testutils.Resource{Data: []byte("bbbb"), Authorization: "Basic dTpw"})

	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{
		entry(ticketAuth, "Authorization", "Bearer from-ticket", "Range", "bytes=0-3"),
		entry(fallbackAuth),
	}}

	opts := testOptions(memfs.New())
	opts.Credentials = hfhttp.Basic("u:p")

	var out bytes.Buffer
	summary, err := Download(context.Background(), ticket, &out, opts)
	require.NoError(t, err)
	require.NoError(t, summary.Err())
	assert.Equal(t, "aaaabbbb", out.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestDownloadOutputFailureStopsRun(t *testing.T) {
	server := testutils.NewDataServer(t)
	fileURL := server.Add("/file", &testutils.Resource{Data: []byte("0123456789")})
	fs := memfs.New()

	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{
		entry(fileURL, "Range", "bytes=0-9"),
		entry(fileURL),
	}}

	summary, err := Download(context.Background(), ticket, failingWriter{}, testOptions(fs))
	require.ErrorIs(t, err, ErrOutput)

	assert.Equal(t, EntryFailed, summary.Entries[0].State)
	assert.Equal(t, 1, summary.Entries[0].Attempts, "output failures are not retried")
	assert.Equal(t, EntryPending, summary.Entries[1].State)
	assert.Equal(t, 1, server.Gets("/file"))

	requireNoStagingFiles(t, fs)
}

func TestDownloadContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{entry("data:;base64,SGVsbG8=")}}

	var out bytes.Buffer
	summary, err := Download(ctx, ticket, &out, testOptions(memfs.New()))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, EntryPending, summary.Entries[0].State)
	assert.Zero(t, out.Len())
}

func TestDownloadRangeNotSupportedIsNotRetried(t *testing.T) {
	server := testutils.NewDataServer(t)
	fileURL := server.Add("/file", &testutils.Resource{Data: []byte("0123456789"), IgnoreRanges: true})
	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{entry(fileURL, "Range", "bytes=2-5")}}

	var out bytes.Buffer
	summary, err := Download(context.Background(), ticket, &out, testOptions(memfs.New()))
	require.NoError(t, err)

	res := summary.Entries[0]
	assert.ErrorIs(t, res.Err, hfhttp.ErrRangeNotSupported)
	assert.Equal(t, EntryFailed, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, server.Gets("/file"))
	assert.Zero(t, out.Len())
}

func TestDownloadStalledEntryTimesOut(t *testing.T) {
	server := testutils.NewDataServer(t)
	stalled := server.Add("/stalled", &testutils.Resource{Data: testutils.GenerateTestData(100), Stall: true})
	whole := server.Add("/whole", &testutils.Resource{Data: testutils.GenerateTestData(100), Stall: true, StallAfter: 10})
	fs := memfs.New()

	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{
		entry(stalled, "Range", "bytes=0-99"),
		entry(whole),
	}}

	opts := testOptions(fs)
	opts.Retries = -1
	opts.HTTPOptions.ReadTimeout = 50 * time.Millisecond

	start := time.Now()
	summary, err := Download(context.Background(), ticket, &bytes.Buffer{}, opts)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	for _, res := range summary.Entries {
		assert.Equal(t, EntryFailed, res.State)
		assert.ErrorIs(t, res.Err, hfhttp.ErrReadTimeout)
	}
	requireNoStagingFiles(t, fs)
}

func TestDownloadCancelWhileStalled(t *testing.T) {
	data := testutils.GenerateTestData(20_000)
	server := testutils.NewDataServer(t)
	fileURL := server.Add("/file", &testutils.Resource{Data: data, Stall: true, StallSkip: 1})
	fs := memfs.New()

	ticket := &htsget.Ticket{URLs: []htsget.URLEntry{entry(fileURL, "Range", "bytes=0-19999")}}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	summary, err := Download(ctx, ticket, &bytes.Buffer{}, testOptions(fs))
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second, "cancellation does not wait for the stalled read")
	assert.Equal(t, 2, server.Gets("/file"), "the second read is the one that stalls")
	assert.Equal(t, EntryFailed, summary.Entries[0].State)

	requireNoStagingFiles(t, fs)
}

func TestEntryStateString(t *testing.T) {
	assert.Equal(t, "committed", EntryCommitted.String())
	assert.Equal(t, "EntryState(42)", EntryState(42).String())
}
