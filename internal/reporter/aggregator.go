// Package reporter turns the raw event stream of a download into throttled,
// rate-smoothed progress snapshots.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"peerdrop/pkg/types"
)

// RateWindow is the minimum time between two throughput samples
const RateWindow = time.Second

var (
	ErrTransferAborted      = errors.New("transfer aborted")
	ErrProgressStreamClosed = errors.New("progress stream closed before the transfer finished")
)

// Clock abstracts time for deterministic tests
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock
type WallClock struct{}

// Now returns the current time
func (WallClock) Now() time.Time { return time.Now() }

// Snapshot is the aggregated state forwarded to the presentation layer
type Snapshot struct {
	TotalSize      uint64
	BytesPerSecond uint64
	TotalFiles     int
	BytesDone      uint64
}

// Aggregator reduces Found/Progress/Done events to a monotonic byte counter
// and a throughput that is recomputed at most once per RateWindow. Between
// samples the last rate is repeated.
type Aggregator struct {
	totalSize  uint64
	totalFiles int
	clock      Clock
	emit       func(Snapshot) error

	sizes     map[uint64]uint64
	totalDone uint64
	lastTime  time.Time
	lastBytes uint64
	rate      float64
}

// NewAggregator creates an aggregator for a transfer of totalSize bytes in
// totalFiles user visible files. emit is called for every Progress event;
// an error from emit stops the aggregation.
func NewAggregator(totalSize uint64, totalFiles int, emit func(Snapshot) error) *Aggregator {
	return &Aggregator{
		totalSize:  totalSize,
		totalFiles: totalFiles,
		clock:      WallClock{},
		emit:       emit,
		sizes:      make(map[uint64]uint64),
	}
}

// SetClock replaces the time source. Must be called before Run.
func (a *Aggregator) SetClock(clock Clock) {
	a.clock = clock
}

// Run consumes events until AllDone, Abort, stream closure or cancellation
func (a *Aggregator) Run(ctx context.Context, events <-chan types.ProgressEvent) error {
	a.lastTime = a.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return ErrProgressStreamClosed
			}
			done, err := a.handle(event)
			if err != nil || done {
				return err
			}
		}
	}
}

// handle applies one event and reports whether the stream has ended
func (a *Aggregator) handle(event types.ProgressEvent) (bool, error) {
	switch e := event.(type) {
	case types.Found:
		a.sizes[e.ID] = e.Size
		return false, nil

	case types.Progress:
		current := a.totalDone + e.Offset
		now := a.clock.Now()
		if elapsed := now.Sub(a.lastTime); elapsed >= RateWindow {
			var diff uint64
			if current > a.lastBytes {
				diff = current - a.lastBytes
			}
			a.rate = float64(diff) / elapsed.Seconds()
			a.lastBytes = current
			a.lastTime = now
		}
		return false, a.emit(Snapshot{
			TotalSize:      a.totalSize,
			BytesPerSecond: uint64(a.rate),
			TotalFiles:     a.totalFiles,
			BytesDone:      current,
		})

	case types.Done:
		// an id that was never announced contributes nothing
		a.totalDone += a.sizes[e.ID]
		delete(a.sizes, e.ID)
		return false, nil

	case types.AllDone:
		logrus.WithFields(logrus.Fields{
			"function":   "Aggregator.Run",
			"bytes_read": e.Stats.BytesRead,
			"elapsed":    e.Stats.Elapsed,
		}).Debug("Progress stream finished")
		return true, nil

	case types.Abort:
		if e.Err == nil {
			return true, ErrTransferAborted
		}
		return true, fmt.Errorf("%w: %w", ErrTransferAborted, e.Err)

	default:
		return true, fmt.Errorf("unexpected progress event %T", event)
	}
}

// TotalFiles derives the user visible file count from the manifest sizes.
// The first entry of a hash sequence is the collection descriptor.
func TotalFiles(sizes []uint64) int {
	if len(sizes) == 0 {
		return 0
	}
	return len(sizes) - 1
}

// TotalSize sums the declared sizes
func TotalSize(sizes []uint64) uint64 {
	var total uint64
	for _, s := range sizes {
		total += s
	}
	return total
}
