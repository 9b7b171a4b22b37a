package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/EGA-archive/ega-htsget-client/internal/config"
	"github.com/EGA-archive/ega-htsget-client/internal/downloader"
	"github.com/EGA-archive/ega-htsget-client/internal/htsget"
	"github.com/EGA-archive/ega-htsget-client/internal/progress"
	"github.com/EGA-archive/ega-htsget-client/internal/sink"
)

// runFetch requests a ticket and writes every entry it lists, in order, to
// the output.
func runFetch(args []string) int {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)

	var q queryFlags
	q.register(fs)

	output := fs.String("output", "", "Output file path (default stdout)")
	bucket := fs.String("bucket", "", "Destination bucket URL (s3://, gs://, file://, mem://)")
	object := fs.String("object", "", "Destination object path (required with -bucket)")
	bufferSize := fs.String("buffer-size", "", "Read window over ranged streams (default 1MiB)")
	blockSize := fs.String("block-size", "", "Background read block size (default 32KiB)")
	queueSize := fs.Int("queue-size", 0, "Blocks read ahead (default 5)")
	retries := fs.Int("retries", 0, "Extra attempts per entry (default 3)")
	printTicketFlag := fs.Bool("print-ticket", false, "Print the ticket to stderr before downloading")
	showProgress := fs.Bool("progress", false, "Show progress output")

	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, `Usage: htsfetch fetch [options] [dataset-id]

Request an htsget ticket and write the data it describes to a local file,
stdout or a bucket object. Entries that fail after their retries are
skipped and reported; the exit code is then non-zero.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return ExitInvalidArgs
	}

	flagCfg := q.config(fs)
	flagCfg.Output = *output
	flagCfg.Bucket = *bucket
	flagCfg.Object = *object
	flagCfg.QueueSize = *queueSize
	flagCfg.Retries = *retries
	flagCfg.PrintTicket = *printTicketFlag
	flagCfg.Progress = *showProgress

	var err error
	if flagCfg.BufferSize, err = parseSize(*bufferSize); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid buffer size: %v\n", err)
		return ExitInvalidArgs
	}
	if flagCfg.BlockSize, err = parseSize(*blockSize); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid block size: %v\n", err)
		return ExitInvalidArgs
	}

	cfg, err := loadConfig(q.configPath, flagCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return ExitInvalidArgs
	}
	// Merge skips zero values, so an explicit -retries 0 is applied here.
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "retries" {
			cfg.Retries = *retries
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fetch(ctx, cfg)
}

func fetch(ctx context.Context, cfg config.Config) int {
	log := newLogger(cfg.Debug)

	s, err := resolveSecrets(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}
	hopts, err := httpOptions(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitInvalidArgs
	}

	ticket, raw, err := requestTicket(ctx, cfg, s.token, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return ExitTicketFailed
	}
	if cfg.PrintTicket {
		printTicket(os.Stderr, raw)
	}
	log.Info().
		Str("format", ticket.Format).
		Int("entries", len(ticket.URLs)).
		Msg("ticket received")

	target := sink.Target{Path: cfg.Output, Bucket: cfg.Bucket, Object: cfg.Object}
	out, err := sink.Open(ctx, target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening output: %v\n", err)
		return ExitOutputError
	}

	var reporter *progress.Reporter
	if cfg.Progress {
		reporter = progress.NewReporter(progress.Options{
			TotalEntries: len(ticket.URLs),
			Source:       cfg.DatasetID,
			Format:       ticket.Format,
		})
		reporter.Start()
		defer reporter.Stop()
	}

	// Zero retries means none here; the downloader reads zero as its default.
	entryRetries := cfg.Retries
	if entryRetries == 0 {
		entryRetries = -1
	}

	opts := downloader.Options{
		Retries:         entryRetries,
		BufferSize:      int(cfg.BufferSize),
		BlockSize:       int(cfg.BlockSize),
		QueueSize:       cfg.QueueSize,
		OpenAttempts:    cfg.Retry.OpenAttempts,
		OpenBackoff:     cfg.Retry.OpenBackoff,
		ResolveAttempts: cfg.Retry.ResolveAttempts,
		ResolveBackoff:  cfg.Retry.ResolveBackoff,
		HTTPOptions:     hopts,
		Credentials:     s.creds,
		Logger:          log,
		Progress:        reporter,
	}

	summary, err := download(ctx, ticket, out, opts)
	if err != nil {
		sink.Abort(out)
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "[htsfetch] Download interrupted, output discarded")
			return ExitInterrupted
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, downloader.ErrOutput) {
			return ExitOutputError
		}
		return ExitGeneralError
	}

	if err := out.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing output: %v\n", err)
		return ExitOutputError
	}

	if err := summary.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "[htsfetch] Partial output written to %s\n", target)
		return ExitPartialFailure
	}

	fmt.Fprintf(os.Stderr, "[htsfetch] Wrote %d entries (%s) to %s\n",
		len(summary.Entries), progress.FormatBytes(int64(summary.BytesWritten)), target)
	return ExitSuccess
}

// download runs the downloader next to a watcher that reports interrupts.
func download(ctx context.Context, ticket *htsget.Ticket, out io.Writer, opts downloader.Options) (*downloader.Summary, error) {
	var summary *downloader.Summary
	done := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		var err error
		summary, err = downloader.Download(gctx, ticket, out, opts)
		return err
	})
	g.Go(func() error {
		select {
		case <-done:
		case <-gctx.Done():
			if ctx.Err() != nil {
				fmt.Fprintln(os.Stderr, "\n[htsfetch] Received interrupt, shutting down...")
			}
		}
		return nil
	})

	err := g.Wait()
	return summary, err
}
