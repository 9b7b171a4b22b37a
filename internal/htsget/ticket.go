package htsget

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Ticket decoding errors.
var (
	ErrMalformedTicket  = errors.New("htsget: malformed ticket")
	ErrMalformedRange   = errors.New("htsget: malformed range header")
	ErrMalformedDataURI = errors.New("htsget: malformed data uri")
)

var rangePattern = regexp.MustCompile(`^bytes=(\d+)-(\d+)$`)

// Ticket is the body of a ticket response.
type Ticket struct {
	Format string     `json:"format"`
	URLs   []URLEntry `json:"urls"`
}

// URLEntry is one piece of the result: data to fetch from a URL (with
// optional request headers) or inline data.
type URLEntry struct {
	URL     string
	Headers http.Header
	Class   string
}

type urlEntryJSON struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Class   string            `json:"class,omitempty"`
}

// UnmarshalJSON decodes an entry, canonicalising header names so lookups
// are case-insensitive.
func (e *URLEntry) UnmarshalJSON(b []byte) error {
	var raw urlEntryJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	e.URL = raw.URL
	e.Class = raw.Class
	e.Headers = make(http.Header, len(raw.Headers))
	for k, v := range raw.Headers {
		e.Headers.Set(k, v)
	}
	return nil
}

// MarshalJSON encodes an entry in ticket form.
func (e URLEntry) MarshalJSON() ([]byte, error) {
	raw := urlEntryJSON{URL: e.URL, Class: e.Class}
	if len(e.Headers) > 0 {
		raw.Headers = make(map[string]string, len(e.Headers))
		for k := range e.Headers {
			raw.Headers[k] = e.Headers.Get(k)
		}
	}
	return json.Marshal(raw)
}

// ByteRange is an inclusive byte range.
type ByteRange struct {
	Start uint64
	End   uint64
}

// Size returns the number of bytes in the range.
func (r ByteRange) Size() uint64 {
	return r.End - r.Start + 1
}

func (r ByteRange) String() string {
	return "bytes=" + strconv.FormatUint(r.Start, 10) + "-" + strconv.FormatUint(r.End, 10)
}

// Range returns the byte range named by the entry's Range header. ok is
// false when there is no header or it is "bytes=0-0". End must fit a file
// offset, so Size never overflows an int64.
func (e URLEntry) Range() (ByteRange, bool, error) {
	v := e.Headers.Get("Range")
	if v == "" {
		return ByteRange{}, false, nil
	}

	m := rangePattern.FindStringSubmatch(strings.TrimSpace(v))
	if m == nil {
		return ByteRange{}, false, fmt.Errorf("%w: %q", ErrMalformedRange, v)
	}
	start, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return ByteRange{}, false, fmt.Errorf("%w: %q", ErrMalformedRange, v)
	}
	end, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return ByteRange{}, false, fmt.Errorf("%w: %q", ErrMalformedRange, v)
	}

	if start == 0 && end == 0 {
		return ByteRange{}, false, nil
	}
	if start > end {
		return ByteRange{}, false, fmt.Errorf("%w: start after end in %q", ErrMalformedRange, v)
	}
	if end >= math.MaxInt64 {
		return ByteRange{}, false, fmt.Errorf("%w: end out of range in %q", ErrMalformedRange, v)
	}
	return ByteRange{Start: start, End: end}, true, nil
}

// IsInline reports whether the entry carries its data in a data: URI.
func (e URLEntry) IsInline() bool {
	return len(e.URL) >= 5 && strings.EqualFold(e.URL[:5], "data:")
}

// DecodeDataURI returns the payload of a data: URI. Everything after the
// first comma is base64 decoded.
func DecodeDataURI(s string) ([]byte, error) {
	if len(s) < 5 || !strings.EqualFold(s[:5], "data:") {
		return nil, fmt.Errorf("%w: not a data uri", ErrMalformedDataURI)
	}
	_, payload, ok := strings.Cut(s[5:], ",")
	if !ok {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedDataURI)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDataURI, err)
	}
	return data, nil
}

type envelope struct {
	Htsget *Ticket `json:"htsget"`
}

// DecodeTicket decodes a `{"htsget": {...}}` response body.
func DecodeTicket(r io.Reader) (*Ticket, error) {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTicket, err)
	}
	if env.Htsget == nil {
		return nil, fmt.Errorf("%w: missing htsget object", ErrMalformedTicket)
	}
	return env.Htsget, nil
}
