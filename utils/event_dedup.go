package utils

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// EventDeduper remembers provider event ids so redelivered webhooks are applied once.
type EventDeduper interface {
	// MarkSeen records key and reports whether this is the first time it was seen.
	MarkSeen(ctx context.Context, key string) (bool, error)
	// Release forgets key so a redelivery after a failed apply is processed again.
	Release(ctx context.Context, key string) error
}

// RedisEventDeduper keeps seen event ids in Redis with a TTL
type RedisEventDeduper struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisEventDeduper(client *redis.Client, ttl time.Duration) *RedisEventDeduper {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisEventDeduper{
		client: client,
		prefix: "webhook:event:",
		ttl:    ttl,
	}
}

func (d *RedisEventDeduper) MarkSeen(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, time.Now().Unix(), d.ttl).Result()
}

func (d *RedisEventDeduper) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}
