package htsget

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTicket = `{
  "htsget": {
    "format": "BAM",
    "urls": [
      {"url": "data:application/vnd.ga4gh.bam;base64,SGVsbG8="},
      {"url": "https://data.example.org/file.bam", "headers": {"range": "bytes=0-9", "X-Trace": "1"}},
      {"url": "https://data.example.org/file.bam?start=10&end=20", "class": "body"}
    ]
  }
}`

func TestDecodeTicket(t *testing.T) {
	ticket, err := DecodeTicket(strings.NewReader(sampleTicket))
	require.NoError(t, err)

	assert.Equal(t, "BAM", ticket.Format)
	require.Len(t, ticket.URLs, 3)

	assert.True(t, ticket.URLs[0].IsInline())
	assert.False(t, ticket.URLs[1].IsInline())
	assert.Equal(t, "bytes=0-9", ticket.URLs[1].Headers.Get("Range"), "header lookup ignores case")
	assert.Equal(t, "1", ticket.URLs[1].Headers.Get("x-trace"))
	assert.Equal(t, "body", ticket.URLs[2].Class)
	assert.Empty(t, ticket.URLs[2].Headers)
}

func TestDecodeTicketMalformed(t *testing.T) {
	for _, body := range []string{``, `{}`, `{"htsget": null}`, `not json`} {
		_, err := DecodeTicket(strings.NewReader(body))
		assert.ErrorIs(t, err, ErrMalformedTicket, body)
	}
}

func TestURLEntryRange(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   ByteRange
		ok     bool
		err    bool
	}{
		{name: "none"},
		{name: "range", header: "bytes=0-9", want: ByteRange{0, 9}, ok: true},
		{name: "single byte", header: "bytes=5-5", want: ByteRange{5, 5}, ok: true},
		{name: "zero means none", header: "bytes=0-0"},
		{name: "start after end", header: "bytes=10-5", err: true},
		{name: "open ended", header: "bytes=10-", err: true},
		{name: "wrong unit", header: "items=0-9", err: true},
		{name: "end wraps size", header: "bytes=0-18446744073709551615", err: true},
		{name: "end beyond int64", header: "bytes=9223372036854775808-9223372036854775808", err: true},
		{name: "largest offset", header: "bytes=0-9223372036854775806", want: ByteRange{0, 9223372036854775806}, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := URLEntry{URL: "https://example.org", Headers: make(map[string][]string)}
			if tt.header != "" {
				e.Headers.Set("Range", tt.header)
			}

			got, ok, err := e.Range()
			if tt.err {
				assert.ErrorIs(t, err, ErrMalformedRange)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, uint64(10), ByteRange{0, 9}.Size())
	assert.Equal(t, "bytes=10-19", ByteRange{10, 19}.String())
}

func TestDecodeDataURI(t *testing.T) {
	got, err := DecodeDataURI("data:;base64,SGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(got))

	got, err = DecodeDataURI("DATA:application/octet-stream;base64,AAEC")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, got)

	got, err = DecodeDataURI("data:,")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, bad := range []string{"https://x", "data:no-comma", "data:;base64,!!!"} {
		_, err := DecodeDataURI(bad)
		assert.ErrorIs(t, err, ErrMalformedDataURI, bad)
	}
}
