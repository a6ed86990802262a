package types

import "time"

// TransferStats summarises one completed download
type TransferStats struct {
	BytesRead uint64        // Payload bytes received, manifest included
	Elapsed   time.Duration // Time from first request to last byte
}

// BytesPerSecond returns the average throughput of the transfer
func (s TransferStats) BytesPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.BytesRead) / s.Elapsed.Seconds()
}

// ProgressEvent is a low-level event emitted while a download runs.
// The set of events is closed: Found, Progress, Done, AllDone and Abort.
type ProgressEvent interface {
	progressEvent()
}

// Found announces an entry and its declared size
type Found struct {
	ID   uint64
	Size uint64
}

// Progress reports the byte offset reached within an entry
type Progress struct {
	ID     uint64
	Offset uint64
}

// Done marks an entry as fully received and verified
type Done struct {
	ID uint64
}

// AllDone terminates a successful stream
type AllDone struct {
	Stats TransferStats
}

// Abort terminates a failed stream
type Abort struct {
	Err error
}

func (Found) progressEvent()    {}
func (Progress) progressEvent() {}
func (Done) progressEvent()     {}
func (AllDone) progressEvent()  {}
func (Abort) progressEvent()    {}
