// Package downloader drives a ticket to completion against an output.
//
// Entries are processed one at a time, in ticket order, because the output
// is their concatenation. Each network entry is resolved to a stream,
// read ahead on a background goroutine, staged to a temporary file and
// only then appended to the output, so a failed attempt never leaves
// partial data behind.
//
// # Usage
//
//	summary, err := downloader.Download(ctx, ticket, out, downloader.Options{
//	    Retries:  3,
//	    Progress: reporter,
//	})
//	if err != nil {
//	    // The output could not be written or the run was interrupted.
//	}
//	if err := summary.Err(); err != nil {
//	    // Some entries failed; the others were written.
//	}
//
// # Retry Levels
//
// Three bounded retry loops nest inside each other:
//   - Opening a stream: a few quick attempts with a short pause
//   - Resolving an entry: re-opening from scratch with a longer pause
//   - The whole entry: resolve, stream and stage again into a fresh file
//
// Malformed entries (a bad Range header or data URI) fail immediately.
package downloader
