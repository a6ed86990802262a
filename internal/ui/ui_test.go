package ui

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/internal/app"
	"peerdrop/internal/blob"
	"peerdrop/internal/ticket"
	"peerdrop/internal/watch"
	"peerdrop/pkg/types"
)

func TestPickFile(t *testing.T) {
	var out bytes.Buffer
	c := NewConsoleUI(strings.NewReader("\"/tmp/report.pdf\"\n"), &out)
	path, ok, err := c.PickFile(context.Background(), "a.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "/tmp/report.pdf", path)
	assert.Contains(t, out.String(), "a.pdf")

	dir := t.TempDir()
	c = NewConsoleUI(strings.NewReader(dir+"\n"), &out)
	path, ok, err = c.PickFile(context.Background(), "a.pdf")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "a.pdf"), path)
}

func TestPickDeclined(t *testing.T) {
	var out bytes.Buffer
	c := NewConsoleUI(strings.NewReader("\n"), &out)
	_, ok, err := c.PickDir(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// end of input behaves like an empty answer
	c = NewConsoleUI(strings.NewReader(""), &out)
	_, ok, err = c.PickFile(context.Background(), "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNonInteractiveTerminalNeverPrompts(t *testing.T) {
	var out, errOut bytes.Buffer
	term := NewTerminal(strings.NewReader("/somewhere\n"), &out, &errOut, false)
	_, ok, err := term.PickDir(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, errOut.String())
}

func TestProgressRendering(t *testing.T) {
	var out, barOut bytes.Buffer
	p := NewProgressUI(&out, &barOut)

	tk := ticket.New(ticket.NodeAddr{DirectAddresses: []string{"127.0.0.1:1"}}, blob.Sum([]byte("x")), blob.Raw)
	p.Send(app.TicketReady{Ticket: tk})
	assert.Contains(t, out.String(), tk.String())

	p.Send(app.ProgressUpdate{TotalSize: 100, TotalFiles: 2, BytesDone: 40, BytesPerSecond: 10})
	p.Send(app.ProgressUpdate{TotalSize: 100, TotalFiles: 2, BytesDone: 100, BytesPerSecond: 10})
	p.Send(app.Finished{Stats: types.TransferStats{BytesRead: 100, Elapsed: time.Second}})
	p.Send(app.Finished{Stats: types.TransferStats{BytesRead: 100, Elapsed: time.Second}, Path: "photos"})
	p.Send(app.Idle{})

	assert.Contains(t, out.String(), "Total bytes received: 100 B")
	assert.Contains(t, out.String(), "Received photos")
	assert.NotEmpty(t, barOut.String())
}

type collectingRenderer struct {
	updates chan app.ViewUpdate
}

func (c collectingRenderer) Send(update app.ViewUpdate) {
	c.updates <- update
}

func TestObserveRendersLatestValue(t *testing.T) {
	view := watch.New[app.ViewUpdate](app.Idle{})
	render := collectingRenderer{updates: make(chan app.ViewUpdate, 16)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Observe(ctx, view, render)
		close(done)
	}()

	view.Send(app.ProgressUpdate{TotalSize: 10, BytesDone: 5})
	select {
	case got := <-render.updates:
		assert.Equal(t, app.ProgressUpdate{TotalSize: 10, BytesDone: 5}, got)
	case <-time.After(time.Second):
		t.Fatal("update was not rendered")
	}

	// published right before shutdown, still rendered by the final check
	view.Send(app.Finished{Path: "x"})
	cancel()
	<-done

	var last app.ViewUpdate
	for len(render.updates) > 0 {
		last = <-render.updates
	}
	assert.Equal(t, app.Finished{Path: "x"}, last)
}
