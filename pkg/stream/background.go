package stream

import (
	"io"
	"iter"
	"sync"
	"sync/atomic"
)

const (
	// DefaultQueueSize is the default number of filled blocks queued ahead.
	DefaultQueueSize = 5

	// DefaultBlockSize is the default block size in bytes.
	DefaultBlockSize = 32 * 1024
)

// Lifecycle states of a BackgroundReader.
const (
	stateIdle int32 = iota
	stateRunning
	stateClosed
)

// Options configures a BackgroundReader.
type Options struct {
	// QueueSize is the capacity of the filled-block queue.
	// Default: 5
	QueueSize int

	// BlockSize is the size of each block in bytes.
	// Default: 32KB
	BlockSize int
}

// Option is a functional option for NewBackgroundReader.
type Option func(*Options)

// WithQueueSize sets the queue capacity.
func WithQueueSize(n int) Option {
	return func(o *Options) {
		o.QueueSize = n
	}
}

// WithBlockSize sets the block size.
func WithBlockSize(n int) Option {
	return func(o *Options) {
		o.BlockSize = n
	}
}

// block is the unit handed from the worker to the consumer.
// A block with last set is the end marker; err is the source failure, if any.
type block struct {
	data []byte
	last bool
	err  error
}

// BackgroundReader reads ahead from a source on a dedicated goroutine.
//
// It is safe to call Close concurrently with Read. Read itself must only be
// called from one goroutine at a time.
type BackgroundReader struct {
	src       io.Reader
	queueSize int
	blockSize int

	queue   chan block
	recycle chan []byte
	done    chan struct{}

	state       atomic.Int32
	allocated   atomic.Int32
	sourceClose sync.Once

	// Consumer side only.
	cur   []byte
	off   int
	final error
}

// NewBackgroundReader creates a BackgroundReader over src. The worker is not
// started until Start or the first Read. If src is an io.Closer it is closed
// when the reader shuts down.
func NewBackgroundReader(src io.Reader, options ...Option) (*BackgroundReader, error) {
	opts := Options{
		QueueSize: DefaultQueueSize,
		BlockSize: DefaultBlockSize,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.QueueSize < 1 || opts.BlockSize < 1 {
		return nil, ErrInvalidSize
	}

	return &BackgroundReader{
		src:       src,
		queueSize: opts.QueueSize,
		blockSize: opts.BlockSize,
		queue:     make(chan block, opts.QueueSize),
		recycle:   make(chan []byte, opts.QueueSize+1),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the worker. Calling it more than once is a no-op; calling
// it after Close returns ErrClosed.
func (r *BackgroundReader) Start() error {
	if r.state.CompareAndSwap(stateIdle, stateRunning) {
		go r.fill()
		return nil
	}
	if r.state.Load() == stateClosed {
		return ErrClosed
	}
	return nil
}

// Read reads up to len(p) bytes. It blocks until at least one byte is
// available or the source is exhausted, then copies whatever else is
// already buffered without waiting further.
//
// It returns io.EOF when the source ended cleanly, the source's error if the
// worker failed, and io.ErrClosedPipe after Close.
func (r *BackgroundReader) Read(p []byte) (int, error) {
	if r.state.Load() == stateClosed {
		r.cur = nil
		return 0, io.ErrClosedPipe
	}
	if err := r.Start(); err != nil {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := 0
	for n < len(p) {
		if !r.ensure(n == 0) {
			break
		}
		c := copy(p[n:], r.cur[r.off:])
		n += c
		r.off += c
		r.release()
	}
	if n > 0 {
		return n, nil
	}
	return 0, r.final
}

// Available returns the number of bytes that can be read without blocking
// on the worker.
func (r *BackgroundReader) Available() int {
	if r.cur == nil {
		return 0
	}
	return len(r.cur) - r.off
}

// Allocated returns how many full-size blocks have been allocated so far.
// It never exceeds the queue size plus one.
func (r *BackgroundReader) Allocated() int {
	return int(r.allocated.Load())
}

// Blocks returns a best-effort iterator over chunks of at most the block
// size. Chunks may be short, including ones before the last. Iteration is
// not restartable: it continues from wherever the reader currently is, and
// each yielded slice is only valid until the next iteration.
func (r *BackgroundReader) Blocks() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		chunk := make([]byte, r.blockSize)
		for {
			n, err := r.Read(chunk)
			if n > 0 && !yield(chunk[:n], nil) {
				return
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

// Close stops the worker, discards queued blocks and releases the source.
// If the worker is blocked in a source read, the source is closed once that
// read returns. Close is idempotent.
func (r *BackgroundReader) Close() error {
	prev := r.state.Swap(stateClosed)
	if prev == stateClosed {
		return nil
	}
	close(r.done)

	for {
		select {
		case <-r.queue:
			continue
		default:
		}
		break
	}

	if prev == stateIdle {
		return r.closeSource()
	}
	return nil
}

// ensure makes a block current. When wait is false it only takes a block
// that is already queued.
func (r *BackgroundReader) ensure(wait bool) bool {
	if r.cur != nil {
		return true
	}
	if r.final != nil {
		return false
	}

	var b block
	if wait {
		select {
		case b = <-r.queue:
		case <-r.done:
			r.final = io.ErrClosedPipe
			return false
		}
	} else {
		select {
		case b = <-r.queue:
		default:
			return false
		}
	}

	if b.last {
		r.final = io.EOF
		if b.err != nil {
			r.final = b.err
		}
		return false
	}
	r.cur, r.off = b.data, 0
	return true
}

// release drops the current block once it is consumed. Only full-size
// blocks go back to the worker.
func (r *BackgroundReader) release() {
	if r.off < len(r.cur) {
		return
	}
	if len(r.cur) == r.blockSize {
		select {
		case r.recycle <- r.cur:
		default:
		}
	}
	r.cur, r.off = nil, 0
}

// fill is the worker loop.
func (r *BackgroundReader) fill() {
	defer r.closeSource()

	for r.state.Load() != stateClosed {
		buf, ok := r.acquire()
		if !ok {
			return
		}

		n := 0
		var err error
		for n < len(buf) && err == nil {
			var m int
			m, err = r.src.Read(buf[n:])
			n += m
		}

		if n > 0 {
			if !r.publish(block{data: buf[:n]}) {
				return
			}
		} else {
			select {
			case r.recycle <- buf:
			default:
			}
		}

		if err != nil {
			if err == io.EOF {
				err = nil
			}
			r.publish(block{last: true, err: err})
			return
		}
	}
}

// acquire returns a recycled block, a new one while under the allocation
// limit, or waits for one to be recycled.
func (r *BackgroundReader) acquire() ([]byte, bool) {
	select {
	case buf := <-r.recycle:
		return buf, true
	default:
	}

	if int(r.allocated.Load()) < r.queueSize+1 {
		r.allocated.Add(1)
		return make([]byte, r.blockSize), true
	}

	select {
	case buf := <-r.recycle:
		return buf, true
	case <-r.done:
		return nil, false
	}
}

// publish hands a block to the consumer, blocking while the queue is full.
func (r *BackgroundReader) publish(b block) bool {
	select {
	case r.queue <- b:
		return true
	case <-r.done:
		return false
	}
}

func (r *BackgroundReader) closeSource() error {
	var err error
	r.sourceClose.Do(func() {
		if c, ok := r.src.(io.Closer); ok {
			err = c.Close()
		}
	})
	return err
}
