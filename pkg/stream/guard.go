package stream

import (
	"bytes"
	"io"
)

// LengthGuard delivers exactly size bytes from a delegate.
//
// Once size bytes have been delivered every Read returns io.EOF, whatever
// the delegate would do. If the delegate ends first, the guard returns the
// bytes it did get and then an *IncompleteError on the following Read.
type LengthGuard struct {
	r         io.Reader
	size      int64
	delivered int64
	err       error
}

// NewLengthGuard wraps r, expecting exactly size bytes.
func NewLengthGuard(r io.Reader, size int64) *LengthGuard {
	return &LengthGuard{r: r, size: size}
}

func (g *LengthGuard) Read(p []byte) (int, error) {
	if g.err != nil {
		return 0, g.err
	}
	if g.delivered >= g.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	if remaining := g.size - g.delivered; int64(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err := g.r.Read(p)
	g.delivered += int64(n)

	switch {
	case err == io.EOF && g.delivered < g.size:
		g.err = &IncompleteError{Expected: g.size, Got: g.delivered}
		if n > 0 {
			return n, nil
		}
		return 0, g.err
	case err == io.EOF:
		return n, io.EOF
	case err != nil:
		return n, err
	}
	return n, nil
}

// Delivered returns the number of bytes returned so far.
func (g *LengthGuard) Delivered() int64 {
	return g.delivered
}

// Size returns the declared size.
func (g *LengthGuard) Size() int64 {
	return g.size
}

// Close closes the delegate if it is an io.Closer.
func (g *LengthGuard) Close() error {
	return closeDelegate(g.r)
}

// NonEmptyReader is a transparent reader over a source known to have at
// least one byte.
type NonEmptyReader struct {
	io.Reader
	src io.Reader
}

// NewNonEmpty reads one byte from r to prove it is not empty. It returns
// ErrEmptySource if r ends immediately. The byte is replayed by the returned
// reader, so r itself must not be read from afterwards.
func NewNonEmpty(r io.Reader) (*NonEmptyReader, error) {
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		if err == io.EOF {
			return nil, ErrEmptySource
		}
		return nil, err
	}

	return &NonEmptyReader{
		Reader: io.MultiReader(bytes.NewReader(first[:]), r),
		src:    r,
	}, nil
}

// Close closes the source if it is an io.Closer.
func (n *NonEmptyReader) Close() error {
	return closeDelegate(n.src)
}

func closeDelegate(r io.Reader) error {
	if c, ok := r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
