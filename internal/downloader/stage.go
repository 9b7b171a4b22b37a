package downloader

import (
	"context"
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5"
	"github.com/opencontainers/go-digest"

	"github.com/EGA-archive/ega-htsget-client/internal/htsget"
	"github.com/EGA-archive/ega-htsget-client/internal/retry"
	"github.com/EGA-archive/ega-htsget-client/pkg/stream"
)

// staged is an entry fully written to a temporary file.
type staged struct {
	fs     billy.Filesystem
	name   string
	size   int64
	digest digest.Digest
}

func (s *staged) remove() {
	s.fs.Remove(s.name)
}

// stage resolves the entry and copies it, read ahead in the background,
// into a fresh temporary file.
func (d *downloader) stage(ctx context.Context, entry htsget.URLEntry, rng htsget.ByteRange, ranged bool, res *EntryResult) (*staged, error) {
	res.State = EntryResolving
	src, err := d.resolve(ctx, entry, rng, ranged, res.Index)
	if err != nil {
		return nil, err
	}

	res.State = EntryStreaming
	br, err := stream.NewBackgroundReader(src,
		stream.WithQueueSize(d.opts.QueueSize),
		stream.WithBlockSize(d.opts.BlockSize),
	)
	if err != nil {
		src.Close()
		return nil, retry.Permanent(err)
	}
	defer br.Close()

	// Unblock a consumer waiting on a stalled source.
	stop := context.AfterFunc(ctx, func() { br.Close() })
	defer stop()

	f, err := d.opts.Staging.TempFile("", "htsfetch-")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	name := f.Name()

	digester := digest.Canonical.Digester()
	w := io.MultiWriter(f, digester.Hash())

	var n int64
	for block, err := range br.Blocks() {
		if err == nil {
			_, err = w.Write(block)
		}
		if err != nil {
			f.Close()
			d.opts.Staging.Remove(name)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("stream: %w", err)
		}
		n += int64(len(block))
		d.progressStaged(int64(len(block)))

		if ctx.Err() != nil {
			f.Close()
			d.opts.Staging.Remove(name)
			return nil, ctx.Err()
		}
	}

	if err := f.Close(); err != nil {
		d.opts.Staging.Remove(name)
		return nil, fmt.Errorf("close staging file: %w", err)
	}

	res.State = EntryStaged
	return &staged{
		fs:     d.opts.Staging,
		name:   name,
		size:   n,
		digest: digester.Digest(),
	}, nil
}

// commit appends a staged entry to the output. Any failure that may have
// left part of the entry in the output is permanent and wraps ErrOutput.
func (d *downloader) commit(s *staged, res *EntryResult) error {
	f, err := s.fs.Open(s.name)
	if err != nil {
		return fmt.Errorf("open staging file: %w", err)
	}
	defer f.Close()

	out := &outputWriter{w: d.out}
	n, err := io.Copy(out, f)
	switch {
	case out.err != nil:
		return retry.Permanent(fmt.Errorf("%w: %v", ErrOutput, out.err))
	case err != nil && n == 0:
		return fmt.Errorf("read staging file: %w", err)
	case err != nil:
		// Part of the entry already reached the output.
		return retry.Permanent(fmt.Errorf("%w: partial entry after %d bytes: %v", ErrOutput, n, err))
	case n != s.size:
		return retry.Permanent(fmt.Errorf("%w: staging file held %d bytes, expected %d", ErrOutput, n, s.size))
	}

	res.Bytes = n
	res.Digest = s.digest
	return nil
}

// outputWriter remembers write errors so they can be told apart from
// read errors in io.Copy.
type outputWriter struct {
	w   io.Writer
	err error
}

func (o *outputWriter) Write(p []byte) (int, error) {
	n, err := o.w.Write(p)
	if err != nil {
		o.err = err
	}
	return n, err
}
