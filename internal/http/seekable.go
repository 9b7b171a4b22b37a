package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/EGA-archive/ega-htsget-client/internal/retry"
)

// ErrStreamClosed is returned by reads on a closed SeekableStream.
var ErrStreamClosed = errors.New("http: stream closed")

type seekableConfig struct {
	length int64
	header http.Header
}

// SeekableOption configures OpenSeekable.
type SeekableOption func(*seekableConfig)

// WithLength supplies the resource length, skipping the HEAD probe.
func WithLength(n int64) SeekableOption {
	return func(c *seekableConfig) {
		c.length = n
	}
}

// WithHeaders adds headers sent with every range request. Range and
// Authorization are ignored.
func WithHeaders(h http.Header) SeekableOption {
	return func(c *seekableConfig) {
		c.header = h
	}
}

// SeekableStream reads a remote resource through independent range requests.
//
// Every Read issues exactly one request for [position, position+len(p)-1],
// clipped to the known length, and closes the connection afterwards. A
// request in flight is not cancellable; it finishes within the client's
// ReadTimeout or fails with ErrReadTimeout.
//
// A SeekableStream is not safe for concurrent use.
type SeekableStream struct {
	client *Client
	url    string
	header http.Header

	pos    int64
	length int64 // -1 if unknown
	eof    bool
	closed bool
}

// OpenSeekable prepares a range-addressable stream over rawURL.
//
// Unless WithLength is given the length is probed with a single HEAD
// request. A probe rejected by the server leaves the length unknown; a
// transport failure fails the open.
func (c *Client) OpenSeekable(ctx context.Context, rawURL string, creds Credentials, opts ...SeekableOption) (*SeekableStream, error) {
	cfg := seekableConfig{length: -1}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &SeekableStream{
		client: c,
		url:    rawURL,
		header: RequestHeaders(cfg.header, creds),
		length: cfg.length,
	}

	if s.length < 0 {
		info, err := c.head(ctx, rawURL, s.header)
		switch {
		case err == nil:
			s.length = info.Size
		case isStatusError(err):
			c.opts.Logger.Debug().Err(err).
				Str("url", Redact(rawURL)).
				Msg("length probe rejected, length unknown")
		default:
			return nil, fmt.Errorf("open %s: %w", Redact(rawURL), err)
		}
	}

	return s, nil
}

// Read fetches up to len(p) bytes starting at the current position.
func (s *SeekableStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrStreamClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.eof || (s.length >= 0 && s.pos >= s.length) {
		return 0, io.EOF
	}

	start := s.pos
	end := start + int64(len(p)) - 1
	if s.length >= 0 && end >= s.length {
		end = s.length - 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.client.opts.ReadTimeout)
	defer cancel()

	resp, err := s.client.do(ctx, http.MethodGet, s.url, s.header, func(req *http.Request) {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10))
		req.Close = true
	})
	if err != nil {
		return 0, s.timeout(ctx, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if s.length < 0 {
			if _, _, total, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil && total >= 0 {
				s.length = total
			}
		}
	case http.StatusOK:
		if start > 0 {
			return 0, retry.Permanent(ErrRangeNotSupported)
		}
		if s.length < 0 && resp.ContentLength >= 0 {
			s.length = resp.ContentLength
		}
	case http.StatusRequestedRangeNotSatisfiable:
		s.eof = true
		return 0, io.EOF
	default:
		if err := checkStatusCode(resp); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:end-start+1])
	s.pos += int64(n)

	switch {
	case err == nil:
		return n, nil
	case ctx.Err() != nil && n > 0:
		return n, nil
	case ctx.Err() != nil:
		return 0, s.timeout(ctx, err)
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		// The server ended the body early: the resource is shorter than
		// advertised, so freeze the length where the data stopped.
		s.freeze()
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	case n > 0:
		// Deliver what arrived; the next Read asks again from here.
		return n, nil
	default:
		return 0, s.timeout(ctx, err)
	}
}

func (s *SeekableStream) timeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: range request to %s: %v", ErrReadTimeout, Redact(s.url), err)
	}
	return err
}

// Seek sets the position for the next Read. io.SeekEnd requires a known
// length.
func (s *SeekableStream) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.pos + offset
	case io.SeekEnd:
		if s.length < 0 {
			return s.pos, errors.New("http: seek from end with unknown length")
		}
		pos = s.length + offset
	default:
		return s.pos, fmt.Errorf("http: invalid whence %d", whence)
	}
	if pos < 0 {
		return s.pos, fmt.Errorf("http: negative position %d", pos)
	}

	s.pos = pos
	s.eof = false
	return pos, nil
}

// Position returns the offset of the next Read.
func (s *SeekableStream) Position() int64 {
	return s.pos
}

// Length returns the best known resource length, or -1.
func (s *SeekableStream) Length() int64 {
	return s.length
}

// EOF reports whether the stream is known to be at the end of the resource.
func (s *SeekableStream) EOF() bool {
	return s.eof || (s.length >= 0 && s.pos >= s.length)
}

// Close marks the stream closed. No connection outlives a Read, so there
// is nothing else to release.
func (s *SeekableStream) Close() error {
	s.closed = true
	return nil
}

func (s *SeekableStream) freeze() {
	if s.length < 0 || s.pos < s.length {
		s.client.opts.Logger.Debug().
			Str("url", Redact(s.url)).
			Int64("length", s.pos).
			Msg("resource ended early, length frozen")
	}
	s.length = s.pos
}

func isStatusError(err error) bool {
	for _, target := range []error{ErrNotFound, ErrForbidden, ErrUnauthorized, ErrServerError, ErrUnexpectedStatus} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
