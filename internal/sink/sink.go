// Package sink opens the destination a download is written to: standard
// output, a local file, or an object in a cloud bucket.
package sink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// Common errors.
var (
	ErrBucketNotFound = errors.New("sink: bucket not found")
	ErrAccessDenied   = errors.New("sink: access denied")
	ErrNoObject       = errors.New("sink: bucket output needs an object name")
)

// Target names an output. At most one of Path and Bucket is used; an empty
// Target (or Path "-") is standard output.
type Target struct {
	Path   string
	Bucket string
	Object string

	// ContentType is recorded on bucket objects.
	ContentType string
}

func (t Target) String() string {
	switch {
	case t.Bucket != "":
		return t.Bucket + " " + t.Object
	case t.Path == "" || t.Path == "-":
		return "stdout"
	default:
		return t.Path
	}
}

// Open opens the target for writing. Closing the returned writer commits
// the output; for buckets, an object only appears once Close succeeds.
func Open(ctx context.Context, t Target) (io.WriteCloser, error) {
	switch {
	case t.Bucket != "":
		return openBucket(ctx, t)
	case t.Path == "" || t.Path == "-":
		return &stdout{w: bufio.NewWriterSize(os.Stdout, 64*1024)}, nil
	default:
		f, err := os.OpenFile(t.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open output file: %w", err)
		}
		return f, nil
	}
}

type stdout struct {
	w *bufio.Writer
}

func (s *stdout) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// Close flushes buffered data. Standard output itself stays open.
func (s *stdout) Close() error {
	return s.w.Flush()
}

type bucketWriter struct {
	bucket *blob.Bucket
	w      *blob.Writer
	cancel context.CancelFunc
	key    string
}

func openBucket(ctx context.Context, t Target) (io.WriteCloser, error) {
	if t.Object == "" {
		return nil, ErrNoObject
	}

	bucket, err := blob.OpenBucket(ctx, t.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", mapError(err))
	}

	if ok, err := bucket.IsAccessible(ctx); err != nil {
		bucket.Close()
		return nil, fmt.Errorf("check bucket: %w", mapError(err))
	} else if !ok {
		bucket.Close()
		return nil, ErrBucketNotFound
	}

	// Cancelling the writer's context discards the upload.
	wctx, cancel := context.WithCancel(ctx)
	w, err := bucket.NewWriter(wctx, t.Object, &blob.WriterOptions{ContentType: t.ContentType})
	if err != nil {
		cancel()
		bucket.Close()
		return nil, fmt.Errorf("create object writer: %w", mapError(err))
	}

	return &bucketWriter{bucket: bucket, w: w, cancel: cancel, key: t.Object}, nil
}

func (b *bucketWriter) Write(p []byte) (int, error) {
	n, err := b.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("write object %s: %w", b.key, mapError(err))
	}
	return n, nil
}

func (b *bucketWriter) Close() error {
	defer b.cancel()

	err := b.w.Close()
	if cerr := b.bucket.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("commit object %s: %w", b.key, mapError(err))
	}
	return nil
}

// Abort discards a bucket upload without creating the object. Other
// writers are closed as usual.
func Abort(w io.WriteCloser) error {
	b, ok := w.(*bucketWriter)
	if !ok {
		return w.Close()
	}
	b.cancel()
	b.w.Close()
	return b.bucket.Close()
}

func mapError(err error) error {
	switch gcerrors.Code(err) {
	case gcerrors.NotFound:
		return fmt.Errorf("%w: %v", ErrBucketNotFound, err)
	case gcerrors.PermissionDenied:
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	default:
		return err
	}
}
