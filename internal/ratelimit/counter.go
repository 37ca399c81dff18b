package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter increments a windowed counter and returns the new value. The window starts
// on the first increment and is not extended by later ones.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// incrScript increments KEYS[1] and starts its window of ARGV[1] ms when the key has no expiry,
// so a counter can never outlive its window.
const incrScript = `
local n = redis.call("INCR", KEYS[1])
if redis.call("PTTL", KEYS[1]) < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`

var incrLua = redis.NewScript(incrScript)

// RedisCounter counts with INCR and sets the expiry in the same script when the counter is created.
type RedisCounter struct {
	redis redis.UniversalClient
}

// NewRedisCounter returns a Counter backed by client.
func NewRedisCounter(client redis.UniversalClient) *RedisCounter {
	return &RedisCounter{redis: client}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := incrLua.Run(ctx, c.redis, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return count, nil
}

type memEntry struct {
	count   atomic.Int64
	expires int64 // unix nanos
}

// MemoryCounter is an in-process Counter for deployments without Redis.
// Counts are per process and are lost on restart.
type MemoryCounter struct {
	entries sync.Map // string -> *memEntry
	ops     atomic.Uint64
	now     func() time.Time
}

// NewMemoryCounter returns an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{now: time.Now}
}

const sweepEvery = 1024

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := c.now().UnixNano()
	fresh := &memEntry{expires: now + int64(window)}
	v, _ := c.entries.LoadOrStore(key, fresh)
	e := v.(*memEntry)
	for now >= e.expires {
		next := &memEntry{expires: now + int64(window)}
		if c.entries.CompareAndSwap(key, e, next) {
			e = next
			break
		}
		v, _ = c.entries.LoadOrStore(key, next)
		e = v.(*memEntry)
	}
	if c.ops.Add(1)%sweepEvery == 0 {
		c.sweep(now)
	}
	return e.count.Add(1), nil
}

func (c *MemoryCounter) sweep(now int64) {
	c.entries.Range(func(k, v any) bool {
		if e := v.(*memEntry); now >= e.expires {
			c.entries.CompareAndDelete(k, e)
		}
		return true
	})
}
