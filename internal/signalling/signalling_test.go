package signalling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryServerOfferAnswer(t *testing.T) {
	ctx := context.Background()
	server := NewMemoryServer(time.Second)

	id, err := server.CreateSession(ctx, "node-a", "offer-1")
	require.NoError(t, err)

	pending, err := server.PendingSessions(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.Equal(t, "offer-1", pending[0].Offer)

	other, err := server.PendingSessions(ctx, "node-b")
	require.NoError(t, err)
	assert.Empty(t, other)

	go func() {
		time.Sleep(10 * time.Millisecond)
		server.UpdateAnswer(ctx, "node-a", id, "answer-1")
	}()

	answer, err := server.WaitForAnswer(ctx, "node-a", id)
	require.NoError(t, err)
	assert.Equal(t, "answer-1", answer)

	pending, err = server.PendingSessions(ctx, "node-a")
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, server.DeleteSession(ctx, "node-a", id))
	_, err = server.WaitForAnswer(ctx, "node-a", id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMemoryServerAnswerTimeout(t *testing.T) {
	server := NewMemoryServer(20 * time.Millisecond)
	id, err := server.CreateSession(context.Background(), "node", "offer")
	require.NoError(t, err)

	_, err = server.WaitForAnswer(context.Background(), "node", id)
	assert.ErrorIs(t, err, ErrAnswerTimeout)
}

func TestMemoryServerUnknownSession(t *testing.T) {
	server := NewMemoryServer(time.Second)
	err := server.UpdateAnswer(context.Background(), "node", "missing", "answer")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestPollAnswer(t *testing.T) {
	calls := 0
	answer, err := pollAnswer(context.Background(), time.Millisecond, time.Second, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", nil
		}
		return "ready", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ready", answer)
	assert.Equal(t, 3, calls)

	boom := errors.New("boom")
	_, err = pollAnswer(context.Background(), time.Millisecond, time.Second, func(context.Context) (string, error) {
		return "", boom
	})
	assert.ErrorIs(t, err, boom)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pollAnswer(ctx, time.Hour, time.Hour, func(context.Context) (string, error) { return "", nil })
	assert.ErrorIs(t, err, context.Canceled)
}
