package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"peerdrop/internal/app"
	"peerdrop/internal/watch"
	"peerdrop/pkg/utils"
)

// ProgressUI renders view updates: the ticket, a progress bar and a summary
type ProgressUI struct {
	mu       sync.Mutex
	out      io.Writer // ticket and summary
	barOut   io.Writer // progress bar
	bar      *progressbar.ProgressBar
	lastDone uint64
	// summarized is set once the summary of the current receive is shown
	summarized bool
}

// NewProgressUI creates a renderer. The bar goes to barOut so that out stays
// clean for the ticket.
func NewProgressUI(out, barOut io.Writer) *ProgressUI {
	return &ProgressUI{out: out, barOut: barOut}
}

// Send renders one update. Safe for concurrent use.
func (p *ProgressUI) Send(update app.ViewUpdate) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch u := update.(type) {
	case app.TicketReady:
		fmt.Fprintf(p.out, "Ticket:\n\n%s\n\nTo receive, run:\n  peerdrop receive %s\n\n", u.Ticket, u.Ticket)
	case app.ProgressUpdate:
		p.updateProgress(u)
	case app.Finished:
		if !p.summarized {
			p.completeProgress()
			p.showTransferSummary(u)
			p.summarized = true
		}
		if u.Path != "" {
			fmt.Fprintf(p.out, "Received %s\n", u.Path)
		}
	case app.Idle:
		p.completeProgress()
		p.summarized = false
	}
}

// initProgressBar initializes the progress bar for totalSize bytes
func (p *ProgressUI) initProgressBar(u app.ProgressUpdate) {
	p.bar = progressbar.NewOptions64(int64(u.TotalSize),
		progressbar.OptionSetDescription(describe(u)),
		progressbar.OptionSetWriter(p.barOut),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(false),
	)
	p.lastDone = 0
}

func (p *ProgressUI) updateProgress(u app.ProgressUpdate) {
	if p.bar == nil {
		p.initProgressBar(u)
	}
	if u.BytesDone < p.lastDone {
		return
	}
	p.lastDone = u.BytesDone
	_ = p.bar.Set64(int64(u.BytesDone))
	p.bar.Describe(describe(u))
}

// completeProgress marks the progress as complete
func (p *ProgressUI) completeProgress() {
	if p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	p.bar = nil
}

// showTransferSummary displays a summary of the completed download
func (p *ProgressUI) showTransferSummary(u app.Finished) {
	fmt.Fprintf(p.out, "\n=============================================\n")
	fmt.Fprintf(p.out, "Transfer completed successfully!\n")
	fmt.Fprintf(p.out, "+ Total bytes received: %s\n", utils.FormatFileSize(int64(u.Stats.BytesRead)))
	fmt.Fprintf(p.out, "+ Transfer time: %s\n", u.Stats.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(p.out, "+ Average throughput: %s/s\n", utils.FormatFileSize(int64(u.Stats.BytesPerSecond())))
	fmt.Fprintf(p.out, "=============================================\n")
}

func describe(u app.ProgressUpdate) string {
	files := "file"
	if u.TotalFiles != 1 {
		files = "files"
	}
	return fmt.Sprintf("Receiving %d %s (%s/%s, %s/s)", u.TotalFiles, files,
		utils.FormatFileSize(int64(u.BytesDone)),
		utils.FormatFileSize(int64(u.TotalSize)),
		utils.FormatFileSize(int64(u.BytesPerSecond)))
}

// Observe renders the latest value of view until ctx ends. Updates that are
// replaced before the renderer wakes up are never shown.
func Observe(ctx context.Context, view *watch.Value[app.ViewUpdate], render app.Publisher) {
	var seen uint64
	for {
		changed := view.Changed()
		update, version := view.Snapshot()
		if version != seen {
			seen = version
			render.Send(update)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			if update, version := view.Snapshot(); version != seen {
				render.Send(update)
			}
			return
		}
	}
}
