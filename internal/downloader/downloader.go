package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"

	hfhttp "github.com/EGA-archive/ega-htsget-client/internal/http"
	"github.com/EGA-archive/ega-htsget-client/internal/htsget"
	"github.com/EGA-archive/ega-htsget-client/internal/progress"
	"github.com/EGA-archive/ega-htsget-client/internal/retry"
	"github.com/EGA-archive/ega-htsget-client/pkg/stream"
)

// Defaults.
const (
	DefaultRetries         = 3
	DefaultBufferSize      = 1024 * 1024
	DefaultOpenAttempts    = 5
	DefaultOpenBackoff     = 500 * time.Millisecond
	DefaultResolveAttempts = 5
	DefaultResolveBackoff  = 2 * time.Second
)

// ErrOutput marks a failure to write the output. The run stops, since the
// output can no longer be trusted.
var ErrOutput = errors.New("downloader: output write failed")

// Options configures the downloader.
type Options struct {
	// Retries is the number of extra attempts for each entry.
	// Default: 3. Negative disables retries.
	Retries int

	// BufferSize is the read window over a ranged stream, in bytes.
	// Default: 1MiB
	BufferSize int

	// BlockSize is the background reader's block size.
	// Default: 32KiB
	BlockSize int

	// QueueSize is the number of blocks read ahead.
	// Default: 5
	QueueSize int

	// OpenAttempts and OpenBackoff bound opening a data stream.
	// Default: 5 attempts, 500ms apart
	OpenAttempts int
	OpenBackoff  time.Duration

	// ResolveAttempts and ResolveBackoff bound resolving an entry.
	// Default: 5 attempts, 2s apart
	ResolveAttempts int
	ResolveBackoff  time.Duration

	// HTTPOptions configures the HTTP client. Its retry settings are
	// replaced by OpenAttempts and OpenBackoff.
	HTTPOptions hfhttp.Options

	// Credentials are used for entries whose headers carry none.
	Credentials hfhttp.Credentials

	// Staging holds temporary files.
	// Default: the OS temp directory
	Staging billy.Filesystem

	// Logger receives per-entry and per-attempt diagnostics.
	Logger zerolog.Logger

	// Progress is an optional progress reporter.
	Progress *progress.Reporter
}

// EntryState is the state of one ticket entry.
type EntryState int

const (
	EntryPending EntryState = iota
	EntryResolving
	EntryStreaming
	EntryStaged
	EntryCommitted
	EntryFailed
)

func (s EntryState) String() string {
	switch s {
	case EntryPending:
		return "pending"
	case EntryResolving:
		return "resolving"
	case EntryStreaming:
		return "streaming"
	case EntryStaged:
		return "staged"
	case EntryCommitted:
		return "committed"
	case EntryFailed:
		return "failed"
	default:
		return fmt.Sprintf("EntryState(%d)", int(s))
	}
}

// EntryResult records what happened to one entry.
type EntryResult struct {
	Index    int
	URL      string // query stripped
	Inline   bool
	State    EntryState
	Attempts int
	Bytes    int64
	Digest   digest.Digest
	Err      error
}

// Summary describes a run.
type Summary struct {
	Format       string
	Entries      []EntryResult
	BytesWritten uint64
}

// Failed returns the entries that ended in EntryFailed.
func (s *Summary) Failed() []EntryResult {
	var failed []EntryResult
	for _, e := range s.Entries {
		if e.State == EntryFailed {
			failed = append(failed, e)
		}
	}
	return failed
}

// Err returns a *PartialFailureError if any entry failed.
func (s *Summary) Err() error {
	failed := s.Failed()
	if len(failed) == 0 {
		return nil
	}
	return &PartialFailureError{Total: len(s.Entries), Failed: failed}
}

// PartialFailureError is returned when some entries could not be
// downloaded. The output holds every other entry, in order.
//
// Use errors.As to extract this error and inspect Failed for details.
type PartialFailureError struct {
	Total  int           // Number of entries in the ticket
	Failed []EntryResult // Entries that failed
}

func (e *PartialFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d entries failed", len(e.Failed), e.Total)
	for _, f := range e.Failed {
		fmt.Fprintf(&b, "\n  entry %d (%s): %v", f.Index, f.URL, f.Err)
	}
	return b.String()
}

func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

// Download writes every entry of ticket to out, in order.
//
// Entries that still fail after their retries are recorded in the summary
// and skipped. The returned error is reserved for conditions that stop the
// run: a failed write to out (wrapping ErrOutput) or ctx being done. Out is
// not closed.
func Download(ctx context.Context, ticket *htsget.Ticket, out io.Writer, opts Options) (*Summary, error) {
	d := newDownloader(out, opts)

	summary := &Summary{
		Format:  ticket.Format,
		Entries: make([]EntryResult, len(ticket.URLs)),
	}
	for i, entry := range ticket.URLs {
		summary.Entries[i] = EntryResult{
			Index:  i,
			URL:    hfhttp.Redact(entry.URL),
			Inline: entry.IsInline(),
		}
	}

	for i, entry := range ticket.URLs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		res := &summary.Entries[i]
		d.progressStarted()

		var err error
		if res.Inline {
			err = d.inline(entry, res)
		} else {
			err = d.fetch(ctx, entry, res)
		}

		if err == nil {
			res.State = EntryCommitted
			summary.BytesWritten += uint64(res.Bytes)
			d.progressCompleted(res.Bytes)
			d.log.Info().
				Int("entry", i).
				Int64("bytes", res.Bytes).
				Str("digest", res.Digest.String()).
				Msg("entry written")
			continue
		}

		res.State = EntryFailed
		res.Err = err
		d.progressFailed()

		if errors.Is(err, ErrOutput) {
			return summary, err
		}
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		d.log.Error().Err(err).
			Int("entry", i).
			Str("url", res.URL).
			Int("attempts", res.Attempts).
			Msg("entry failed")
	}

	return summary, nil
}

type downloader struct {
	opts   Options
	client *hfhttp.Client
	out    io.Writer
	log    zerolog.Logger
}

func newDownloader(out io.Writer, opts Options) *downloader {
	switch {
	case opts.Retries == 0:
		opts.Retries = DefaultRetries
	case opts.Retries < 0:
		opts.Retries = 0
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = stream.DefaultBlockSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = stream.DefaultQueueSize
	}
	if opts.OpenAttempts <= 0 {
		opts.OpenAttempts = DefaultOpenAttempts
	}
	if opts.OpenBackoff == 0 {
		opts.OpenBackoff = DefaultOpenBackoff
	}
	if opts.ResolveAttempts <= 0 {
		opts.ResolveAttempts = DefaultResolveAttempts
	}
	if opts.ResolveBackoff == 0 {
		opts.ResolveBackoff = DefaultResolveBackoff
	}
	if opts.Staging == nil {
		opts.Staging = osfs.New(os.TempDir())
	}

	httpOpts := opts.HTTPOptions
	httpOpts.RetryAttempts = opts.OpenAttempts
	httpOpts.RetryBackoff = max(opts.OpenBackoff, 0)
	httpOpts.Logger = opts.Logger

	return &downloader{
		opts:   opts,
		client: hfhttp.NewClient(httpOpts),
		out:    out,
		log:    opts.Logger,
	}
}

// inline writes a data URI entry. There is no I/O to retry.
func (d *downloader) inline(entry htsget.URLEntry, res *EntryResult) error {
	res.Attempts = 1

	data, err := htsget.DecodeDataURI(entry.URL)
	if err != nil {
		return err
	}
	res.State = EntryStaged

	if _, err := d.out.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrOutput, err)
	}
	res.Bytes = int64(len(data))
	res.Digest = digest.FromBytes(data)
	return nil
}

// fetch downloads a network entry, retrying the whole attempt.
func (d *downloader) fetch(ctx context.Context, entry htsget.URLEntry, res *EntryResult) error {
	rng, ranged, err := entry.Range()
	if err != nil {
		res.Attempts = 1
		return err
	}

	policy := retry.Policy{
		Attempts: d.opts.Retries + 1,
		Notify: func(attempt int, err error, _ time.Duration) {
			d.progressRetried()
			d.log.Warn().Err(err).
				Int("entry", res.Index).
				Int("attempt", attempt).
				Msg("entry attempt failed, retrying")
		},
	}

	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		res.Attempts = attempt
		res.State = EntryPending

		staged, err := d.stage(ctx, entry, rng, ranged, res)
		if err != nil {
			return err
		}
		defer staged.remove()

		return d.commit(staged, res)
	})
}

func (d *downloader) policy(op string, attempts int, backoff time.Duration, index int) retry.Policy {
	return retry.Policy{
		Attempts: attempts,
		Backoff:  retry.Constant(max(backoff, 0)),
		Notify: func(attempt int, err error, wait time.Duration) {
			d.log.Warn().Err(err).
				Str("op", op).
				Int("entry", index).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("attempt failed, retrying")
		},
	}
}

func (d *downloader) progressStarted() {
	if d.opts.Progress != nil {
		d.opts.Progress.EntryStarted()
	}
}

func (d *downloader) progressStaged(n int64) {
	if d.opts.Progress != nil {
		d.opts.Progress.BytesStaged(n)
	}
}

func (d *downloader) progressRetried() {
	if d.opts.Progress != nil {
		d.opts.Progress.EntryRetried()
	}
}

func (d *downloader) progressCompleted(n int64) {
	if d.opts.Progress != nil {
		d.opts.Progress.EntryCompleted(n)
	}
}

func (d *downloader) progressFailed() {
	if d.opts.Progress != nil {
		d.opts.Progress.EntryFailed()
	}
}
