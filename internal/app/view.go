package app

import (
	"peerdrop/internal/ticket"
	"peerdrop/pkg/types"
)

// ViewUpdate is the state reported to the presentation layer. The set of
// implementations is closed.
type ViewUpdate interface {
	viewUpdate()
}

// Idle means no flow is active
type Idle struct{}

// TicketReady carries the ticket of a send that is being served
type TicketReady struct {
	Ticket ticket.Ticket
}

// ProgressUpdate is the aggregated download progress
type ProgressUpdate struct {
	TotalSize      uint64
	BytesPerSecond uint64
	TotalFiles     int
	BytesDone      uint64
}

// Finished is published twice per receive: first with an empty Path as soon
// as the download completes, then with the first path component of the
// received content once the collection is loaded.
type Finished struct {
	Stats types.TransferStats
	Path  string
}

func (Idle) viewUpdate()           {}
func (TicketReady) viewUpdate()    {}
func (ProgressUpdate) viewUpdate() {}
func (Finished) viewUpdate()       {}
