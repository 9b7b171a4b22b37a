package downloader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"

	hfhttp "github.com/EGA-archive/ega-htsget-client/internal/http"
	"github.com/EGA-archive/ega-htsget-client/internal/htsget"
	"github.com/EGA-archive/ega-htsget-client/internal/retry"
	"github.com/EGA-archive/ega-htsget-client/pkg/stream"
)

// source is a resolved entry stream. Reads go through the guards; Close
// releases the underlying connection or stream.
type source struct {
	io.Reader
	io.Closer
}

// resolve opens a guarded stream for a network entry.
func (d *downloader) resolve(ctx context.Context, entry htsget.URLEntry, rng htsget.ByteRange, ranged bool, index int) (io.ReadCloser, error) {
	if _, err := url.Parse(entry.URL); err != nil {
		return nil, retry.Permanent(fmt.Errorf("invalid entry url: %w", err))
	}

	creds := hfhttp.CredentialsFromHeaders(entry.Headers).Or(d.opts.Credentials)

	var src io.ReadCloser
	policy := d.policy("resolve", d.opts.ResolveAttempts, d.opts.ResolveBackoff, index)
	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		var err error
		if ranged {
			src, err = d.openRanged(ctx, entry, rng, creds, index)
		} else {
			src, err = d.openWhole(ctx, entry, creds)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	return src, nil
}

// openRanged reads the entry's byte range through a seekable stream.
func (d *downloader) openRanged(ctx context.Context, entry htsget.URLEntry, rng htsget.ByteRange, creds hfhttp.Credentials, index int) (io.ReadCloser, error) {
	var s *hfhttp.SeekableStream
	policy := d.policy("open", d.opts.OpenAttempts, d.opts.OpenBackoff, index)
	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		var err error
		s, err = d.client.OpenSeekable(ctx, entry.URL, creds, hfhttp.WithHeaders(entry.Headers))
		return err
	})
	if err != nil {
		return nil, err
	}

	if _, err := s.Seek(int64(rng.Start), io.SeekStart); err != nil {
		s.Close()
		return nil, err
	}
	size := int64(rng.Size())

	window := bufio.NewReaderSize(io.LimitReader(s, size), d.opts.BufferSize)
	ne, err := stream.NewNonEmpty(window)
	if err != nil {
		s.Close()
		return nil, err
	}

	return source{Reader: stream.NewLengthGuard(ne, size), Closer: s}, nil
}

// openWhole reads the whole resource with a single GET. The length guard
// only applies when the length is known and the URL does not select its
// own range.
func (d *downloader) openWhole(ctx context.Context, entry htsget.URLEntry, creds hfhttp.Credentials) (io.ReadCloser, error) {
	header := hfhttp.RequestHeaders(entry.Headers, creds)
	size := d.client.ContentLength(ctx, entry.URL, header)

	resp, err := d.client.Get(ctx, entry.URL, header)
	if err != nil {
		return nil, err
	}

	ne, err := stream.NewNonEmpty(bufio.NewReaderSize(resp.Body, d.opts.BufferSize))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	var r io.Reader = ne
	if size > 0 && !selectsRange(entry.URL) {
		r = stream.NewLengthGuard(ne, size)
	}
	return source{Reader: r, Closer: resp.Body}, nil
}

// selectsRange reports whether the URL's query carries start or end.
func selectsRange(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	q := u.Query()
	return q.Has("start") || q.Has("end")
}
