package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryCounter is a process-local Counter. Keys never expire.
type MemoryCounter struct {
	counts sync.Map
}

// NewMemoryCounter creates an empty counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

// Incr atomically increments key.
func (c *MemoryCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	v, _ := c.counts.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1), nil
}

// Decr undoes one Incr. Counts never go below zero.
func (c *MemoryCounter) Decr(_ context.Context, key string) error {
	v, ok := c.counts.Load(key)
	if !ok {
		return nil
	}
	n := v.(*atomic.Int64)
	for {
		cur := n.Load()
		if cur <= 0 || n.CompareAndSwap(cur, cur-1) {
			return nil
		}
	}
}

// Count returns the current count for key.
func (c *MemoryCounter) Count(_ context.Context, key string) (int64, error) {
	v, ok := c.counts.Load(key)
	if !ok {
		return 0, nil
	}
	return v.(*atomic.Int64).Load(), nil
}

// RedisCounter shares attempt counts across API replicas using INCR.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter wraps a redis client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr increments key and sets its expiry on first use.
func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		if ttl > 0 {
			pipe.ExpireNX(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Decr undoes one Incr. A missing or expired key is left alone.
func (c *RedisCounter) Decr(ctx context.Context, key string) error {
	return decrScript.Run(ctx, c.client, []string{key}).Err()
}

var decrScript = redis.NewScript(`
local n = redis.call("GET", KEYS[1])
if n and tonumber(n) > 0 then
	return redis.call("DECR", KEYS[1])
end
return 0
`)

// Count reads key without changing it. A missing key counts as zero.
func (c *RedisCounter) Count(ctx context.Context, key string) (int64, error) {
	n, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
