package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/EGA-archive/ega-htsget-client/internal/retry"
)

// Common errors.
var (
	ErrRangeNotSupported = errors.New("http: server does not support range requests")
	ErrNotFound          = errors.New("http: resource not found")
	ErrForbidden         = errors.New("http: access forbidden")
	ErrUnauthorized      = errors.New("http: unauthorized")
	ErrServerError       = errors.New("http: server error")
	ErrUnexpectedStatus  = errors.New("http: unexpected status")
	ErrReadTimeout       = errors.New("http: read timed out")
)

// Options configures the HTTP client.
type Options struct {
	// ConnectTimeout bounds dialing and the TLS handshake.
	// Default: 120s
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers and, while reading
	// a body, the wait for each read to return.
	// Default: 180s
	ReadTimeout time.Duration

	// Proxy is an optional HTTP proxy for all requests.
	Proxy *url.URL

	// RetryAttempts is the number of tries for Head and Get.
	// Default: 5
	RetryAttempts int

	// RetryBackoff is the pause between tries.
	// Default: 500ms
	RetryBackoff time.Duration

	// Logger receives per-attempt diagnostics.
	Logger zerolog.Logger
}

// DefaultOptions returns options suited to slow archival storage backends.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 120 * time.Second,
		ReadTimeout:    180 * time.Second,
		RetryAttempts:  5,
		RetryBackoff:   500 * time.Millisecond,
		Logger:         zerolog.Nop(),
	}
}

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	Size          int64 // -1 if unknown
	ETag          string
	AcceptsRanges bool
	ContentType   string
	LastModified  time.Time
}

// Response is an open response body.
type Response struct {
	Body          io.ReadCloser
	ContentLength int64
	ETag          string
}

// Client issues requests against data servers.
type Client struct {
	client *http.Client
	opts   Options
}

// NewClient creates a new HTTP client with the given options.
// Zero-valued timeouts and retry settings take their defaults.
func NewClient(opts Options) *Client {
	defaults := DefaultOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaults.ReadTimeout
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = defaults.RetryAttempts
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}

	proxy := http.ProxyFromEnvironment
	if opts.Proxy != nil {
		proxy = http.ProxyURL(opts.Proxy)
	}

	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 proxy,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true, // We want raw bytes for range requests
	}

	return &Client{
		client: &http.Client{Transport: transport},
		opts:   opts,
	}
}

// Head performs a HEAD request to get file metadata.
func (c *Client) Head(ctx context.Context, rawURL string, header http.Header) (*FileInfo, error) {
	var info *FileInfo

	err := retry.Do(ctx, c.policy("head", rawURL), func(ctx context.Context, _ int) error {
		var err error
		info, err = c.head(ctx, rawURL, header)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", Redact(rawURL), err)
	}
	return info, nil
}

// head performs a single HEAD request.
func (c *Client) head(ctx context.Context, rawURL string, header http.Header) (*FileInfo, error) {
	resp, err := c.do(ctx, http.MethodHead, rawURL, header, nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	if err := checkStatusCode(resp); err != nil {
		return nil, err
	}

	info := &FileInfo{
		Size:          resp.ContentLength,
		ETag:          cleanETag(resp.Header.Get("ETag")),
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ContentType:   resp.Header.Get("Content-Type"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

// ContentLength probes a resource's length with a single HEAD request. It
// returns -1 when the probe fails or the server does not say.
func (c *Client) ContentLength(ctx context.Context, rawURL string, header http.Header) int64 {
	info, err := c.head(ctx, rawURL, header)
	if err != nil {
		c.opts.Logger.Debug().Err(err).
			Str("url", Redact(rawURL)).
			Msg("length probe failed")
		return -1
	}
	return info.Size
}

// Get performs a GET for the whole resource. The caller must close the body.
// A body read that makes no progress for ReadTimeout fails with
// ErrReadTimeout.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header) (*Response, error) {
	var out *Response

	err := retry.Do(ctx, c.policy("get", rawURL), func(ctx context.Context, _ int) error {
		ctx, cancel := context.WithCancel(ctx)
		resp, err := c.do(ctx, http.MethodGet, rawURL, header, nil)
		if err != nil {
			cancel()
			return err
		}
		if err := checkStatusCode(resp); err != nil {
			resp.Body.Close()
			cancel()
			return err
		}

		out = &Response{
			Body:          newIdleBody(resp.Body, c.opts.ReadTimeout, cancel),
			ContentLength: resp.ContentLength,
			ETag:          cleanETag(resp.Header.Get("ETag")),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", Redact(rawURL), err)
	}
	return out, nil
}

// do sends a single request. Server errors are returned as errors with the
// response body already closed; other statuses are left to the caller.
func (c *Client) do(ctx context.Context, method, rawURL string, header http.Header, edit func(*http.Request)) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if edit != nil {
		edit(req)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrServerError, resp.Status)
	}
	return resp, nil
}

func (c *Client) policy(op, rawURL string) retry.Policy {
	logger := c.opts.Logger
	return retry.Policy{
		Attempts: c.opts.RetryAttempts,
		Backoff:  retry.Constant(c.opts.RetryBackoff),
		Notify: func(attempt int, err error, wait time.Duration) {
			logger.Warn().Err(err).
				Str("op", op).
				Str("url", Redact(rawURL)).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("request failed, retrying")
		},
	}
}

// checkStatusCode returns an appropriate error for non-success status codes.
// Client errors are permanent: retrying them cannot help.
func checkStatusCode(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500:
		return fmt.Errorf("%w: %s", ErrServerError, resp.Status)
	case code == http.StatusNotFound:
		return retry.Permanent(ErrNotFound)
	case code == http.StatusForbidden:
		return retry.Permanent(ErrForbidden)
	case code == http.StatusUnauthorized:
		return retry.Permanent(ErrUnauthorized)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	default:
		return retry.Permanent(fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status))
	}
}

// cleanETag removes quotes from an ETag value.
func cleanETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}

// Redact makes a URL safe to log: user info is dropped, the query string,
// which for data URLs often carries a signature or token, is replaced by
// "...", and data: URIs are reduced to their scheme.
func Redact(rawURL string) string {
	if len(rawURL) >= 5 && strings.EqualFold(rawURL[:5], "data:") {
		return "data:..."
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	u.User = nil
	if u.RawQuery != "" {
		u.RawQuery = "..."
	}
	return u.String()
}

// ParseContentRange parses a Content-Range header value.
// Returns start, end, total bytes. Total may be -1 if unknown.
func ParseContentRange(header string) (start, end, total int64, err error) {
	// Format: bytes start-end/total or bytes start-end/*
	header = strings.TrimPrefix(strings.TrimSpace(header), "bytes ")
	rng, size, ok := strings.Cut(header, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range format: %s", header)
	}

	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid start byte: %w", err)
	}
	end, err = strconv.ParseInt(last, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid end byte: %w", err)
	}

	if size == "*" {
		return start, end, -1, nil
	}
	total, err = strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid total bytes: %w", err)
	}
	return start, end, total, nil
}

// idleBody fails a body read that blocks for longer than timeout by
// cancelling the request.
type idleBody struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	expired atomic.Bool
}

func newIdleBody(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{rc: rc, timeout: timeout, cancel: cancel}
	b.timer = time.AfterFunc(timeout, func() {
		b.expired.Store(true)
		cancel()
	})
	b.timer.Stop()
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	b.timer.Reset(b.timeout)
	n, err := b.rc.Read(p)
	b.timer.Stop()
	if err != nil && err != io.EOF && b.expired.Load() {
		err = fmt.Errorf("%w: no data for %s", ErrReadTimeout, b.timeout)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	err := b.rc.Close()
	b.cancel()
	return err
}
