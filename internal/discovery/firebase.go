package discovery

import (
	"context"
	"fmt"
	"time"

	"firebase.google.com/go/v4/db"

	"peerdrop/internal/ticket"
)

// firebaseEntry is the record stored at nodes/<id>
type firebaseEntry struct {
	Addr      ticket.NodeAddr `json:"addr"`
	ExpiresAt int64           `json:"expiresAt"`
}

// FirebaseDirectory keeps addresses in the realtime database. Expiry is
// checked on read since the database has no native TTL.
type FirebaseDirectory struct {
	ref *db.Ref
	now func() time.Time
}

func NewFirebaseDirectory(client *db.Client) *FirebaseDirectory {
	return &FirebaseDirectory{
		ref: client.NewRef("nodes"),
		now: time.Now,
	}
}

func (d *FirebaseDirectory) Publish(ctx context.Context, addr ticket.NodeAddr, ttl time.Duration) error {
	entry := firebaseEntry{Addr: addr}
	if ttl > 0 {
		entry.ExpiresAt = d.now().Add(ttl).Unix()
	}
	if err := d.ref.Child(addr.NodeID.String()).Set(ctx, entry); err != nil {
		return fmt.Errorf("failed to publish address: %w", err)
	}
	return nil
}

func (d *FirebaseDirectory) Resolve(ctx context.Context, id ticket.NodeID) (ticket.NodeAddr, error) {
	var entry firebaseEntry
	if err := d.ref.Child(id.String()).Get(ctx, &entry); err != nil {
		return ticket.NodeAddr{}, fmt.Errorf("failed to resolve %s: %w", id.Short(), err)
	}
	if entry.Addr.NodeID != id {
		return ticket.NodeAddr{}, ErrNodeNotFound
	}
	if entry.ExpiresAt > 0 && d.now().Unix() > entry.ExpiresAt {
		return ticket.NodeAddr{}, ErrNodeNotFound
	}
	return entry.Addr, nil
}

func (d *FirebaseDirectory) Remove(ctx context.Context, id ticket.NodeID) error {
	if err := d.ref.Child(id.String()).Delete(ctx); err != nil {
		return fmt.Errorf("failed to remove %s: %w", id.Short(), err)
	}
	return nil
}
