// Package progress provides progress reporting for ticket downloads.
//
// This package outputs human-readable progress information to stderr,
// including entry counts, bytes received and written, and transfer speed.
//
// # Usage
//
//	reporter := progress.NewReporter(progress.Options{
//	    TotalEntries: len(ticket.URLs),
//	    Source:       ticketURL,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	// Update as entries complete
//	reporter.EntryCompleted(size)
//
// # Output Format
//
//	[htsfetch] Ticket: https://example.org/tickets/files/EGAF0001?...
//	[htsfetch] Format: BAM | Entries: 12
//	[htsfetch] Progress: 41.7% | 1.2 GiB received | 1.1 GiB written | Speed: 48 MiB/s
//	[htsfetch] Entries: 5 completed | 0 failed | 1 in-progress | 6 pending | 2 retries
package progress
