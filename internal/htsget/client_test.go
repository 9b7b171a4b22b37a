package htsget

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EGA-archive/ega-htsget-client/internal/retry"
)

func testClient() *Client {
	return NewClient(Options{Backoff: retry.Constant(0)})
}

func TestFetchTicket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "BAM", r.URL.Query().Get("format"))
		w.Write([]byte(sampleTicket))
	}))
	defer server.Close()

	url := TicketURL(server.URL+"/", "EGAF1", BAM, Query{Sequence: "chr1", Start: 1, End: 2})
	ticket, raw, err := testClient().FetchTicket(context.Background(), url, "tok")
	require.NoError(t, err)
	assert.Len(t, ticket.URLs, 3)
	assert.JSONEq(t, sampleTicket, string(raw))
}

func TestFetchTicketWithoutToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(sampleTicket))
	}))
	defer server.Close()

	_, _, err := testClient().FetchTicket(context.Background(), server.URL, "")
	require.NoError(t, err)
}

func TestFetchTicketRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.Write([]byte(`{"htsget":`))
		default:
			w.Write([]byte(sampleTicket))
		}
	}))
	defer server.Close()

	ticket, _, err := testClient().FetchTicket(context.Background(), server.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "BAM", ticket.Format)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchTicketGivesUp(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, _, err := testClient().FetchTicket(context.Background(), server.URL, "")
	assert.ErrorIs(t, err, ErrTicketRequest)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 9, exhausted.Attempts)
	assert.Equal(t, int32(9), calls.Load())
}
