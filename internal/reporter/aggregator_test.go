package reporter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/pkg/types"
)

// replayClock hands out a precomputed sequence of instants, one per call
type replayClock struct {
	times []time.Time
}

func (c *replayClock) Now() time.Time {
	now := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return now
}

// step is one scripted event, delivered advance after the previous one
type step struct {
	advance time.Duration
	event   types.ProgressEvent
}

func runScript(t *testing.T, totalSize uint64, totalFiles int, steps []step) ([]Snapshot, error) {
	t.Helper()

	// the aggregator reads the clock once on start and once per Progress
	now := time.Unix(1_700_000_000, 0)
	clock := &replayClock{times: []time.Time{now}}
	events := make(chan types.ProgressEvent, len(steps))
	for _, s := range steps {
		now = now.Add(s.advance)
		if _, ok := s.event.(types.Progress); ok {
			clock.times = append(clock.times, now)
		}
		events <- s.event
	}
	close(events)

	var got []Snapshot
	agg := NewAggregator(totalSize, totalFiles, func(s Snapshot) error {
		got = append(got, s)
		return nil
	})
	agg.SetClock(clock)

	err := agg.Run(context.Background(), events)
	return got, err
}

func TestAggregatorCountsCompletedBlobs(t *testing.T) {
	got, err := runScript(t, 30, 2, []step{
		{0, types.Found{ID: 0, Size: 10}},
		{0, types.Progress{ID: 0, Offset: 4}},
		{0, types.Progress{ID: 0, Offset: 10}},
		{0, types.Done{ID: 0}},
		{0, types.Found{ID: 1, Size: 20}},
		{0, types.Progress{ID: 1, Offset: 5}},
		{0, types.Done{ID: 1}},
		{0, types.AllDone{}},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, uint64(4), got[0].BytesDone)
	assert.Equal(t, uint64(10), got[1].BytesDone)
	assert.Equal(t, uint64(15), got[2].BytesDone)
	for _, s := range got {
		assert.Equal(t, uint64(30), s.TotalSize)
		assert.Equal(t, 2, s.TotalFiles)
	}
}

func TestAggregatorBytesDoneNeverDecreases(t *testing.T) {
	got, err := runScript(t, 300, 3, []step{
		{0, types.Found{ID: 1, Size: 100}},
		{0, types.Progress{ID: 1, Offset: 50}},
		{0, types.Progress{ID: 1, Offset: 100}},
		{0, types.Done{ID: 1}},
		{0, types.Found{ID: 2, Size: 100}},
		{0, types.Progress{ID: 2, Offset: 0}},
		{0, types.Progress{ID: 2, Offset: 100}},
		{0, types.Done{ID: 2}},
		{0, types.Found{ID: 3, Size: 100}},
		{0, types.Progress{ID: 3, Offset: 1}},
		{0, types.AllDone{}},
	})
	require.NoError(t, err)

	var last uint64
	for _, s := range got {
		assert.GreaterOrEqual(t, s.BytesDone, last)
		last = s.BytesDone
	}
	assert.Equal(t, uint64(201), last)
}

func TestAggregatorRateIsStickyBetweenWindows(t *testing.T) {
	got, err := runScript(t, 10_000, 1, []step{
		{0, types.Found{ID: 1, Size: 10_000}},
		{200 * time.Millisecond, types.Progress{ID: 1, Offset: 500}},
		{1 * time.Second, types.Progress{ID: 1, Offset: 2_000}},
		{300 * time.Millisecond, types.Progress{ID: 1, Offset: 2_500}},
		{400 * time.Millisecond, types.Progress{ID: 1, Offset: 3_000}},
		{1 * time.Second, types.Progress{ID: 1, Offset: 4_000}},
		{0, types.AllDone{}},
	})
	require.NoError(t, err)
	require.Len(t, got, 5)

	// nothing measured yet
	assert.Equal(t, uint64(0), got[0].BytesPerSecond)
	// 2000 bytes over 1.2s
	assert.Equal(t, uint64(1666), got[1].BytesPerSecond)
	// inside the window the previous rate is repeated
	assert.Equal(t, got[1].BytesPerSecond, got[2].BytesPerSecond)
	assert.Equal(t, got[1].BytesPerSecond, got[3].BytesPerSecond)
	// 2000 bytes over 1.7s
	assert.Equal(t, uint64(1176), got[4].BytesPerSecond)
}

func TestAggregatorDoneForUnknownIDAddsNothing(t *testing.T) {
	got, err := runScript(t, 10, 1, []step{
		{0, types.Done{ID: 99}},
		{0, types.Found{ID: 1, Size: 10}},
		{0, types.Progress{ID: 1, Offset: 3}},
		{0, types.AllDone{}},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(3), got[0].BytesDone)
}

func TestAggregatorAbort(t *testing.T) {
	cause := errors.New("peer went away")
	_, err := runScript(t, 10, 1, []step{
		{0, types.Found{ID: 1, Size: 10}},
		{0, types.Abort{Err: cause}},
	})
	assert.ErrorIs(t, err, ErrTransferAborted)
	assert.ErrorIs(t, err, cause)
}

func TestAggregatorAbortWithoutReason(t *testing.T) {
	_, err := runScript(t, 10, 1, []step{
		{0, types.Abort{}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransferAborted)
	assert.NotContains(t, err.Error(), "%!")
}

func TestAggregatorStreamClosedEarly(t *testing.T) {
	_, err := runScript(t, 10, 1, []step{
		{0, types.Found{ID: 1, Size: 10}},
		{0, types.Progress{ID: 1, Offset: 2}},
	})
	assert.ErrorIs(t, err, ErrProgressStreamClosed)
}

func TestAggregatorStopsOnEmitError(t *testing.T) {
	sinkErr := errors.New("observer gone")
	agg := NewAggregator(10, 1, func(Snapshot) error { return sinkErr })

	events := make(chan types.ProgressEvent, 2)
	events <- types.Found{ID: 1, Size: 10}
	events <- types.Progress{ID: 1, Offset: 1}

	err := agg.Run(context.Background(), events)
	assert.ErrorIs(t, err, sinkErr)
}

func TestAggregatorHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	agg := NewAggregator(10, 1, func(Snapshot) error { return nil })
	err := agg.Run(ctx, make(chan types.ProgressEvent))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTotals(t *testing.T) {
	sizes := []uint64{40, 10, 20}
	assert.Equal(t, 2, TotalFiles(sizes))
	assert.Equal(t, uint64(70), TotalSize(sizes))
	assert.Equal(t, 0, TotalFiles(nil))
}
