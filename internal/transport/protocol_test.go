package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/internal/blob"
	"peerdrop/internal/identity"
	"peerdrop/internal/store"
	"peerdrop/internal/ticket"
	"peerdrop/pkg/types"
)

type testNode struct {
	id       *identity.Identity
	endpoint *NodeEndpoint
	store    *store.FSStore
}

func newTestNode(t *testing.T, accept bool) *testNode {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)

	options := Options{Accept: accept}
	if accept {
		options.ListenAddr = "127.0.0.1:0"
	}
	ep, err := NewEndpoint(context.Background(), id, options)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })

	s, err := store.Load(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &testNode{id: id, endpoint: ep, store: s}
}

// serve runs the provider on every accepted connection
func serve(t *testing.T, node *testNode, provider *Provider) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			conn, err := node.endpoint.Accept(ctx)
			if err != nil {
				return
			}
			go provider.Serve(ctx, conn)
		}
	}()
}

func collect(events <-chan types.ProgressEvent) []types.ProgressEvent {
	var out []types.ProgressEvent
	for e := range events {
		out = append(out, e)
	}
	return out
}

func TestEndpointAddr(t *testing.T) {
	node := newTestNode(t, true)
	addr := node.endpoint.Addr()
	assert.Equal(t, node.id.NodeID(), addr.NodeID)
	require.Len(t, addr.DirectAddresses, 1)
	assert.Contains(t, addr.DirectAddresses[0], "127.0.0.1:")
	assert.Empty(t, addr.RelayURL)
}

func TestFetchCollection(t *testing.T) {
	sender := newTestNode(t, true)
	receiver := newTestNode(t, false)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("0123456789"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("abcdefghijabcdefghij"), 0o644))

	ctx := context.Background()
	c := &blob.Collection{}
	for _, name := range []string{"a.txt", "b.txt"} {
		h, _, err := sender.store.ImportFile(ctx, filepath.Join(dir, name))
		require.NoError(t, err)
		require.NoError(t, c.Push("files/"+name, h))
	}
	rootHash, err := c.Store(sender.store)
	require.NoError(t, err)
	root := blob.HashAndFormat{Hash: rootHash, Format: blob.HashSeq}

	var completed []ProviderEvent
	done := make(chan struct{})
	provider := NewProvider(sender.store, func(e ProviderEvent) {
		if e.Kind == TransferCompleted {
			completed = append(completed, e)
			close(done)
		}
	})
	provider.Announce(root, "")
	serve(t, sender, provider)

	conn, err := receiver.endpoint.Connect(ctx, sender.endpoint.Addr())
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, sender.id.NodeID(), conn.RemoteNode())

	client := NewClient(conn)
	sizes, err := client.GetSizes(ctx, root)
	require.NoError(t, err)
	require.Len(t, sizes.Sizes, 3)
	assert.Equal(t, uint64(10), sizes.Sizes[1])
	assert.Equal(t, uint64(20), sizes.Sizes[2])

	events := make(chan types.ProgressEvent, 32)
	var got []types.ProgressEvent
	collected := make(chan struct{})
	go func() {
		got = collect(events)
		close(collected)
	}()

	stats, err := client.Download(ctx, root, sizes, receiver.store, events)
	require.NoError(t, err)
	<-collected

	assert.Equal(t, sizes.Total(), stats.BytesRead)
	var found int
	for _, e := range got {
		if _, ok := e.(types.Found); ok {
			found++
		}
	}
	assert.Equal(t, 3, found)
	assert.IsType(t, types.AllDone{}, got[len(got)-1])

	loaded, err := blob.LoadCollection(receiver.store, rootHash)
	require.NoError(t, err)
	assert.Equal(t, c.Entries(), loaded.Entries())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("provider did not report completion")
	}
	require.Len(t, completed, 1)
	assert.Equal(t, receiver.id.NodeID(), completed[0].Remote)
}

func TestFetchRawWithNameHint(t *testing.T) {
	sender := newTestNode(t, true)
	receiver := newTestNode(t, false)

	hash, err := sender.store.ImportBytes([]byte("single file"))
	require.NoError(t, err)
	root := blob.HashAndFormat{Hash: hash, Format: blob.Raw}

	provider := NewProvider(sender.store, nil)
	provider.Announce(root, "notes.txt")
	serve(t, sender, provider)

	ctx := context.Background()
	conn, err := receiver.endpoint.Connect(ctx, sender.endpoint.Addr())
	require.NoError(t, err)
	defer conn.Close()

	client := NewClient(conn)
	sizes, err := client.GetSizes(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", sizes.Name)
	assert.Equal(t, []uint64{11}, sizes.Sizes)

	events := make(chan types.ProgressEvent, 32)
	go collect(events)
	_, err = client.Download(ctx, root, sizes, receiver.store, events)
	require.NoError(t, err)

	data, err := receiver.store.ReadAll(hash)
	require.NoError(t, err)
	assert.Equal(t, "single file", string(data))
}

func TestUnannouncedRootIsRefused(t *testing.T) {
	sender := newTestNode(t, true)
	receiver := newTestNode(t, false)

	hash, err := sender.store.ImportBytes([]byte("secret"))
	require.NoError(t, err)
	serve(t, sender, NewProvider(sender.store, nil))

	ctx := context.Background()
	conn, err := receiver.endpoint.Connect(ctx, sender.endpoint.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = NewClient(conn).GetSizes(ctx, blob.HashAndFormat{Hash: hash, Format: blob.Raw})
	assert.ErrorIs(t, err, ErrRemote)
}

func TestConnectWithWrongNodeIDFails(t *testing.T) {
	sender := newTestNode(t, true)
	receiver := newTestNode(t, false)

	other, err := identity.Generate()
	require.NoError(t, err)
	addr := sender.endpoint.Addr()
	addr.NodeID = other.NodeID()

	_, err = receiver.endpoint.Connect(context.Background(), addr)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestConnectWithoutRoute(t *testing.T) {
	receiver := newTestNode(t, false)
	other, err := identity.Generate()
	require.NoError(t, err)

	_, err = receiver.endpoint.Connect(context.Background(), ticket.NodeAddr{NodeID: other.NodeID()})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestAcceptAfterClose(t *testing.T) {
	node := newTestNode(t, true)
	require.NoError(t, node.endpoint.Close())
	_, err := node.endpoint.Accept(context.Background())
	assert.ErrorIs(t, err, ErrEndpointClosed)
}
