package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Options configures the progress reporter.
type Options struct {
	// TotalEntries is the number of entries in the ticket.
	TotalEntries int

	// Output is where to write progress output.
	// Default: os.Stderr, so that stdout stays free for data.
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// Source is the ticket being downloaded (for display).
	Source string

	// Format is the ticket's data format (for display).
	Format string
}

// Reporter outputs human-readable progress information.
type Reporter struct {
	opts Options

	mu               sync.Mutex
	stagedBytes      atomic.Int64
	completedBytes   atomic.Int64
	completedEntries atomic.Int32
	failedEntries    atomic.Int32
	retries          atomic.Int32
	inProgress       atomic.Int32
	startTime        time.Time
	lastUpdate       time.Time
	lastBytes        int64
	stopCh           chan struct{}
	doneCh           chan struct{}
	started          bool
	stopped          bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.lastUpdate = r.startTime
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[htsfetch] Ticket: %s\n", r.opts.Source)
	fmt.Fprintf(r.opts.Output, "[htsfetch] Format: %s | Entries: %d\n", r.opts.Format, r.opts.TotalEntries)

	go r.updateLoop()
}

// Stop stops the reporter and prints the final status. It waits for the
// final status to be written.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
}

// EntryStarted marks an entry as in progress.
func (r *Reporter) EntryStarted() {
	r.inProgress.Add(1)
}

// BytesStaged records bytes received for the current entry.
func (r *Reporter) BytesStaged(n int64) {
	r.stagedBytes.Add(n)
}

// EntryRetried records a discarded attempt of the current entry.
func (r *Reporter) EntryRetried() {
	r.retries.Add(1)
}

// EntryCompleted marks an entry as written to the output.
func (r *Reporter) EntryCompleted(size int64) {
	r.completedBytes.Add(size)
	r.completedEntries.Add(1)
	r.inProgress.Add(-1)
}

// EntryFailed marks an entry as failed (removes from in-progress).
func (r *Reporter) EntryFailed() {
	r.failedEntries.Add(1)
	r.inProgress.Add(-1)
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	now := time.Now()
	staged := r.stagedBytes.Load()
	completed := int(r.completedEntries.Load())
	failed := int(r.failedEntries.Load())
	inProgress := int(r.inProgress.Load())

	elapsed := now.Sub(r.lastUpdate).Seconds()
	if elapsed < 0.1 {
		elapsed = 0.1
	}
	speed := float64(staged-r.lastBytes) / elapsed

	r.lastUpdate = now
	r.lastBytes = staged

	var percent float64
	if r.opts.TotalEntries > 0 {
		percent = float64(completed+failed) / float64(r.opts.TotalEntries) * 100
	}

	pending := max(r.opts.TotalEntries-completed-failed-inProgress, 0)

	fmt.Fprintf(r.opts.Output, "\r[htsfetch] Progress: %.1f%% | %s received | %s written | Speed: %s/s    ",
		percent,
		FormatBytes(staged),
		FormatBytes(r.completedBytes.Load()),
		FormatBytes(int64(speed)),
	)
	fmt.Fprintf(r.opts.Output, "\n[htsfetch] Entries: %d completed | %d failed | %d in-progress | %d pending | %d retries    \033[A",
		completed,
		failed,
		inProgress,
		pending,
		r.retries.Load(),
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	written := r.completedBytes.Load()
	duration := time.Since(r.startTime)
	avgSpeed := float64(written) / max(duration.Seconds(), 0.001)

	status := "Complete!"
	if r.failedEntries.Load() > 0 {
		status = "Incomplete"
	}

	fmt.Fprintf(r.opts.Output, "\r[htsfetch] Written: %s | %s    \n", FormatBytes(written), status)
	fmt.Fprintf(r.opts.Output, "[htsfetch] Entries: %d completed | %d failed | %d retries    \n",
		r.completedEntries.Load(),
		r.failedEntries.Load(),
		r.retries.Load(),
	)
	fmt.Fprintf(r.opts.Output, "[htsfetch] Total time: %s | Average speed: %s/s\n",
		formatDuration(duration),
		FormatBytes(int64(avgSpeed)),
	)
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes formats bytes with IEC units, e.g. "1.5 KiB".
func FormatBytes(b int64) string {
	if b < 0 {
		return "-" + humanize.IBytes(uint64(-b))
	}
	return humanize.IBytes(uint64(b))
}

// ParseBytes parses a human-readable byte string. IEC suffixes ("MiB") are
// powers of 1024, SI suffixes ("MB") powers of 1000.
func ParseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("byte string out of range: %s", s)
	}
	return int64(n), nil
}
