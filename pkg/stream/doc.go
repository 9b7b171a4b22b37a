// Package stream provides byte-stream primitives used to retrieve remote
// genomic data reliably.
//
// # Background Reader
//
// BackgroundReader decouples a slow or chunked source (typically an HTTP
// response) from a bulk consumer. A single worker goroutine fills fixed-size
// blocks from the source and publishes them on a bounded queue; the consumer
// drains them and hands full-size blocks back for reuse:
//
//	br, err := stream.NewBackgroundReader(resp.Body,
//	    stream.WithQueueSize(5),
//	    stream.WithBlockSize(32*1024),
//	)
//	if err != nil {
//	    return err
//	}
//	defer br.Close()
//
//	_, err = io.Copy(dst, br)
//
// The queue bounds look-ahead: before the first Read at most
// (queueSize+1)*blockSize bytes are pulled from the source, and at most
// queueSize+1 full-size blocks are ever allocated.
//
// # Guards
//
// Two wrappers enforce invariants over another stream:
//
//   - NonEmptyReader fails construction with ErrEmptySource when the source
//     yields no bytes at all. The probe byte is not lost.
//   - LengthGuard delivers exactly the declared number of bytes and reports
//     an *IncompleteError if the source ends early.
//
// They are usually composed non-empty first, then length:
//
//	ne, err := stream.NewNonEmpty(body)
//	if err != nil {
//	    return err
//	}
//	r := stream.NewLengthGuard(ne, size)
package stream
