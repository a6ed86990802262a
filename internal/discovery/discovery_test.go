package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/internal/ticket"
)

func sampleAddr() ticket.NodeAddr {
	var id ticket.NodeID
	id[0] = 7
	return ticket.NodeAddr{
		NodeID:          id,
		DirectAddresses: []string{"10.0.0.2:4919"},
	}
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	addr := sampleAddr()

	_, err := d.Resolve(ctx, addr.NodeID)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	require.NoError(t, d.Publish(ctx, addr, time.Minute))
	got, err := d.Resolve(ctx, addr.NodeID)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	// resolved copies are independent
	got.DirectAddresses[0] = "changed"
	again, err := d.Resolve(ctx, addr.NodeID)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:4919", again.DirectAddresses[0])

	require.NoError(t, d.Remove(ctx, addr.NodeID))
	_, err = d.Resolve(ctx, addr.NodeID)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestMemoryDirectoryExpiry(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	now := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return now }

	addr := sampleAddr()
	require.NoError(t, d.Publish(ctx, addr, time.Minute))

	now = now.Add(30 * time.Second)
	_, err := d.Resolve(ctx, addr.NodeID)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = d.Resolve(ctx, addr.NodeID)
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestRedisKey(t *testing.T) {
	addr := sampleAddr()
	assert.Equal(t, "peerdrop:node:"+addr.NodeID.String(), redisKey(addr.NodeID))
}
