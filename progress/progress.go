package progress

import (
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mbox-dedup/stats"
)

// Bar manages a terminal progress bar for a dedup or combinatory run.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar when enabled is true. A disabled bar accepts
// every call and draws nothing.
func New(total int, title string, enabled bool) *Bar {
	bar := &Bar{
		total:   total,
		enabled: enabled && total > 0,
	}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle(title).
			Start()
		bar.pb = pb
	}

	return bar
}

// Track moves the bar to completed out of total. It is shaped to be used
// directly as a dedup progress callback.
func (b *Bar) Track(completed, total int) {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if total > 0 && total != b.pb.Total {
		b.pb.Total = total
	}
	if completed > b.pb.Current {
		b.pb.Add(completed - b.pb.Current)
	}
}

// SetPercent moves the bar to pct percent of its total.
func (b *Bar) SetPercent(pct float64) {
	if !b.enabled || b.pb == nil {
		return
	}
	b.Track(int(pct/100*float64(b.total)+0.5), 0)
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled || b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.pb.Total {
		b.pb.Add(b.pb.Total - b.pb.Current)
	}
	_, _ = b.pb.Stop()
}

// PrintSummary writes a summary section for a finished phase.
func PrintSummary(title string, summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println(title)
	pterm.Info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	pterm.Info.Printf("Files: %d (rejected %d)\n", summary.Files, summary.Rejected)
	pterm.Info.Printf("Records: %d\n", summary.Records)
	pterm.Info.Printf("Written: %d\n", summary.Written)
	if summary.Mismatched > 0 {
		pterm.Warning.Printf("Mismatched (diverted): %d\n", summary.Mismatched)
	}
	if summary.Generated > 0 || summary.Deduped > 0 {
		pterm.Info.Printf("Workspaces: %d, deduplicated: %d\n", summary.Generated, summary.Deduped)
	}
	if summary.Errors > 0 {
		pterm.Error.Printf("Errors: %d\n", summary.Errors)
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
