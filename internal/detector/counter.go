// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

package detector

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
)

// Counter increments a key inside a fixed window and returns the new count.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter keeps window counters in Redis so they are shared by every
// process writing to the same activity log.
type RedisCounter struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisCounter connects to addr and verifies the connection.
func NewRedisCounter(ctx context.Context, addr, password string, db int) (*RedisCounter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, oops.Code("REDIS_CONNECT_FAILED").With("addr", addr).Wrap(err)
	}
	return &RedisCounter{
		client:  client,
		prefix:  "activitylog:detector:",
		timeout: 250 * time.Millisecond,
	}, nil
}

// Incr bumps key and starts its expiry on the first hit of a window.
func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	redisKey := c.prefix + key
	var incr *redis.IntCmd
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return 0, oops.Code("REDIS_INCR_FAILED").With("key", redisKey).Wrap(err)
	}
	return incr.Val(), nil
}

// Close closes the Redis client.
func (c *RedisCounter) Close() error {
	if err := c.client.Close(); err != nil {
		return oops.Code("REDIS_CLOSE_FAILED").Wrap(err)
	}
	return nil
}

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	windows map[string]memoryWindow
	clock   func() time.Time
}

type memoryWindow struct {
	count   int64
	expires time.Time
}

// NewMemoryCounter creates an empty in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{windows: make(map[string]memoryWindow), clock: time.Now}
}

// Incr bumps key, starting a new window if the previous one expired.
func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.expires) {
		w = memoryWindow{expires: now.Add(window)}
	}
	w.count++
	c.windows[key] = w

	// Sweep expired windows so idle keys do not accumulate.
	if len(c.windows) > 4096 {
		for k, v := range c.windows {
			if !now.Before(v.expires) {
				delete(c.windows, k)
			}
		}
	}
	return w.count, nil
}
