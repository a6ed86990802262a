package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"peerdrop/internal/ticket"
	"peerdrop/pkg/utils"
)

const redisKeyPrefix = "peerdrop:node:"

// RedisDirectory stores addresses as JSON values with an expiry
type RedisDirectory struct {
	client *redis.Client
}

func NewRedisDirectory(client *redis.Client) *RedisDirectory {
	return &RedisDirectory{client: client}
}

// NewRedisClient connects and pings the server
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return client, nil
}

func redisKey(id ticket.NodeID) string {
	return redisKeyPrefix + id.String()
}

func (d *RedisDirectory) Publish(ctx context.Context, addr ticket.NodeAddr, ttl time.Duration) error {
	value, err := utils.EncodeJSON(addr)
	if err != nil {
		return fmt.Errorf("failed to encode address: %w", err)
	}
	if err := d.client.Set(ctx, redisKey(addr.NodeID), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to publish address: %w", err)
	}
	return nil
}

func (d *RedisDirectory) Resolve(ctx context.Context, id ticket.NodeID) (ticket.NodeAddr, error) {
	value, err := d.client.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ticket.NodeAddr{}, ErrNodeNotFound
	}
	if err != nil {
		return ticket.NodeAddr{}, fmt.Errorf("failed to resolve %s: %w", id.Short(), err)
	}
	addr, err := utils.DecodeJSON[ticket.NodeAddr](value)
	if err != nil {
		return ticket.NodeAddr{}, fmt.Errorf("failed to decode address: %w", err)
	}
	if addr.NodeID != id {
		return ticket.NodeAddr{}, fmt.Errorf("directory entry for %s names %s", id.Short(), addr.NodeID.Short())
	}
	return addr, nil
}

func (d *RedisDirectory) Remove(ctx context.Context, id ticket.NodeID) error {
	if err := d.client.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to remove %s: %w", id.Short(), err)
	}
	return nil
}
