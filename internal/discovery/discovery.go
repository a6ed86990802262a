// Package discovery maps node ids to reachable addresses for tickets that
// carry only the node id.
package discovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"peerdrop/internal/ticket"
)

var ErrNodeNotFound = errors.New("node not found in directory")

// Directory publishes and resolves node addresses
type Directory interface {
	Publish(ctx context.Context, addr ticket.NodeAddr, ttl time.Duration) error
	Resolve(ctx context.Context, id ticket.NodeID) (ticket.NodeAddr, error)
	Remove(ctx context.Context, id ticket.NodeID) error
}

// MemoryDirectory is an in-process Directory
type MemoryDirectory struct {
	mu      sync.Mutex
	entries map[ticket.NodeID]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	addr    ticket.NodeAddr
	expires time.Time
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		entries: make(map[ticket.NodeID]memoryEntry),
		now:     time.Now,
	}
}

func (d *MemoryDirectory) Publish(ctx context.Context, addr ticket.NodeAddr, ttl time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := memoryEntry{addr: addr.Clone()}
	if ttl > 0 {
		entry.expires = d.now().Add(ttl)
	}
	d.entries[addr.NodeID] = entry
	return nil
}

func (d *MemoryDirectory) Resolve(ctx context.Context, id ticket.NodeID) (ticket.NodeAddr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.entries[id]
	if !ok {
		return ticket.NodeAddr{}, ErrNodeNotFound
	}
	if !entry.expires.IsZero() && d.now().After(entry.expires) {
		delete(d.entries, id)
		return ticket.NodeAddr{}, ErrNodeNotFound
	}
	return entry.addr.Clone(), nil
}

func (d *MemoryDirectory) Remove(ctx context.Context, id ticket.NodeID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
	return nil
}
