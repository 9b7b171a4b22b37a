package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EGA-archive/ega-htsget-client/internal/testutils"
)

// ticketServer answers ticket requests for dataset EGAF1 with body.
func ticketServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tickets/files/EGAF1" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

func fetchArgs(endpoint string, extra ...string) []string {
	args := []string{"fetch",
		"-endpoint", endpoint + "/tickets/files/",
		"-token", "tok",
		"-ticket-attempts", "1",
		"-retries", "0",
	}
	args = append(args, extra...)
	return append(args, "EGAF1")
}

func TestRunCommands(t *testing.T) {
	assert.Equal(t, ExitInvalidArgs, run(nil))
	assert.Equal(t, ExitSuccess, run([]string{"help"}))
	assert.Equal(t, ExitSuccess, run([]string{"version"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"bogus"}))
}

func TestFetchToFile(t *testing.T) {
	data := testutils.GenerateTestData(200_000)
	header := []byte("BAM\x01header")

	ds := testutils.NewDataServer(t)
	fileURL := ds.Add("/file.bam", &testutils.Resource{Data: data, Authorization: "Bearer data-tok"})

	ticket := fmt.Sprintf(`{"htsget": {"format": "BAM", "urls": [
		{"url": "data:application/vnd.ga4gh.bam;base64,%s", "class": "header"},
		{"url": %q, "headers": {"Range": "bytes=0-99999", "Authorization": "Bearer data-tok"}},
		{"url": %q, "headers": {"Range": "bytes=100000-199999", "Authorization": "Bearer data-tok"}}
	]}}`, base64.StdEncoding.EncodeToString(header), fileURL, fileURL)
	ts := ticketServer(t, http.StatusOK, ticket)

	output := filepath.Join(t.TempDir(), "out.bam")
	code := run(fetchArgs(ts.URL, "-output", output, "-block-size", "4KiB"))
	require.Equal(t, ExitSuccess, code)

	got, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(append(header, data...), got), "output is header followed by both ranges")
}

func TestFetchPartialFailure(t *testing.T) {
	ds := testutils.NewDataServer(t)
	okURL := ds.Add("/ok", &testutils.Resource{Data: []byte("0123456789")})

	ticket := fmt.Sprintf(`{"htsget": {"format": "BAM", "urls": [
		{"url": %q},
		{"url": %q},
		{"url": %q, "headers": {"Range": "bytes=2-4"}}
	]}}`, okURL, ds.URL+"/missing", okURL)
	ts := ticketServer(t, http.StatusOK, ticket)

	output := filepath.Join(t.TempDir(), "out.bam")
	code := run(fetchArgs(ts.URL, "-output", output))
	assert.Equal(t, ExitPartialFailure, code)

	got, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "0123456789234", string(got), "entries after a failed one are still written")
}

func TestFetchKeepsTicketTokenOffDataRequests(t *testing.T) {
	ds := testutils.NewDataServer(t)
	signed := ds.Add("/signed", &testutils.Resource{Data: []byte("0123456789"), RejectAuthorization: true})

	ticket := fmt.Sprintf(`{"htsget": {"format": "BAM", "urls": [
		{"url": %q},
		{"url": %q, "headers": {"Range": "bytes=2-4"}}
	]}}`, signed+"?X-Amz-Signature=abc", signed+"?X-Amz-Signature=abc")
	ts := ticketServer(t, http.StatusOK, ticket)

	output := filepath.Join(t.TempDir(), "out.bam")
	require.Equal(t, ExitSuccess, run(fetchArgs(ts.URL, "-output", output)))

	got, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "0123456789234", string(got))

	for _, req := range ds.Requests() {
		assert.Empty(t, req.Header.Get("Authorization"), "%s %s", req.Method, req.Path)
	}
}

func TestFetchBasicAuthFallback(t *testing.T) {
	ds := testutils.NewDataServer(t)
	fileURL := ds.Add("/file", &testutils.Resource{Data: []byte("0123456789"), Authorization: "Basic dTpw"})
	ts := ticketServer(t, http.StatusOK, fmt.Sprintf(`{"htsget": {"urls": [{"url": %q}]}}`, fileURL))

	output := filepath.Join(t.TempDir(), "out.bam")
	require.Equal(t, ExitSuccess, run(fetchArgs(ts.URL, "-output", output, "-basic-auth", "u:p")))

	got, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(got))
}

func TestFetchTicketFailure(t *testing.T) {
	ts := ticketServer(t, http.StatusBadRequest, `{"error": "bad"}`)

	output := filepath.Join(t.TempDir(), "out.bam")
	assert.Equal(t, ExitTicketFailed, run(fetchArgs(ts.URL, "-output", output)))

	_, err := os.Stat(output)
	assert.ErrorIs(t, err, os.ErrNotExist, "no output is created without a ticket")
}

func TestFetchInvalidArgs(t *testing.T) {
	assert.Equal(t, ExitInvalidArgs, run([]string{"fetch", "-token", "tok"}), "missing dataset")
	assert.Equal(t, ExitInvalidArgs, run([]string{"fetch", "-format", "SAM", "EGAF1"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"fetch", "-region", "chr1", "EGAF1"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"fetch", "-buffer-size", "lots", "EGAF1"}))
	assert.Equal(t, ExitInvalidArgs, run([]string{"fetch", "-bucket", "mem://", "EGAF1"}), "bucket without object")
}

func TestFetchOutputError(t *testing.T) {
	ds := testutils.NewDataServer(t)
	fileURL := ds.Add("/file", &testutils.Resource{Data: []byte("data")})
	ts := ticketServer(t, http.StatusOK, fmt.Sprintf(`{"htsget": {"urls": [{"url": %q}]}}`, fileURL))

	output := filepath.Join(t.TempDir(), "missing", "out.bam")
	assert.Equal(t, ExitOutputError, run(fetchArgs(ts.URL, "-output", output)))
}

func TestLoadConfigPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "htsfetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataset_id: FROM_FILE\nformat: CRAM\nqueue_size: 7\n"), 0o644))
	t.Setenv("HTSFETCH_FORMAT", "VCF")

	var q queryFlags
	q.dataset = "FROM_FLAG"

	cfg, err := loadConfig(path, q.config(nil))
	require.NoError(t, err)
	assert.Equal(t, "FROM_FLAG", cfg.DatasetID, "flags override the file")
	assert.Equal(t, "VCF", cfg.Format, "environment overrides the file")
	assert.Equal(t, 7, cfg.QueueSize)
	assert.Equal(t, cfg.VariantsEndpoint, cfg.TicketEndpoint())
}

func TestPrintTicket(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printTicket(&buf, []byte(`{"htsget":{"format":"BAM"}}`)))
	assert.Equal(t, "{\n  \"htsget\": {\n    \"format\": \"BAM\"\n  }\n}\n", buf.String())

	buf.Reset()
	require.NoError(t, printTicket(&buf, []byte("not json")))
	assert.Equal(t, "not json\n", buf.String())
}
