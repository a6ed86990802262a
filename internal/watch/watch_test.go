package watch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatestValueWins(t *testing.T) {
	v := New(false)
	assert.False(t, v.Load())

	v.Send(true)
	v.Send(false)
	v.Send(true)

	value, version := v.Snapshot()
	assert.True(t, value)
	assert.Equal(t, uint64(3), version)
}

func TestChangedWakesObserver(t *testing.T) {
	v := New(0)
	changed := v.Changed()

	select {
	case <-changed:
		t.Fatal("channel closed before any send")
	default:
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		v.Send(42)
	}()

	select {
	case <-changed:
		assert.Equal(t, 42, v.Load())
	case <-time.After(time.Second):
		t.Fatal("observer was not woken")
	}

	// a fresh channel is handed out after each send
	select {
	case <-v.Changed():
		t.Fatal("new channel should still be open")
	default:
	}
}
