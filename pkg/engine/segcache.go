package engine

import (
	"context"
	"sync"

	"github.com/usenetsync/usenetsync/pkg/errkind"
	"github.com/usenetsync/usenetsync/pkg/metrics"
)

// SegmentCache is the byte-bounded hand-off buffer between fetch
// workers and the reassembly worker. Entries are pinned from Put until
// Consume, so the bound acts as end-to-end backpressure: when the
// reassembly worker falls behind, fetch workers block instead of
// piling decoded segments into memory.
//
// A single mutex plus one condition variable covers both directions:
// producers wait for space, the consumer waits for its next key.
type SegmentCache struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int64
	used     int64
	entries  map[string][]byte
	closed   bool

	metrics *metrics.Metrics
}

// NewSegmentCache creates a cache bounded to capacity bytes. A single
// entry larger than the capacity is still admitted alone; anything
// else would deadlock on oversized segments.
func NewSegmentCache(capacity int64, m *metrics.Metrics) *SegmentCache {
	c := &SegmentCache{
		capacity: capacity,
		entries:  make(map[string][]byte),
		metrics:  m,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Put inserts a fetched segment, blocking while the cache is over
// capacity. A duplicate key is a no-op, which makes redundant-copy
// races harmless.
func (c *SegmentCache) Put(ctx context.Context, key string, data []byte) error {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed {
			return errkind.New(errkind.KindInternal, "engine.segcache", "cache is closed")
		}
		if ctx.Err() != nil {
			return errkind.Wrap(errkind.KindCancelled, "engine.segcache", ctx.Err())
		}
		if _, ok := c.entries[key]; ok {
			return nil
		}
		if c.used == 0 || c.used+int64(len(data)) <= c.capacity {
			break
		}
		c.cond.Wait()
	}

	c.entries[key] = data
	c.used += int64(len(data))
	c.metrics.RecordCache(c.used, 0)
	c.cond.Broadcast()
	return nil
}

// Consume waits for a key, removes it, and returns its data. The freed
// bytes immediately unblock waiting producers.
func (c *SegmentCache) Consume(ctx context.Context, key string) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.mu.Unlock()
		c.cond.Broadcast()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if data, ok := c.entries[key]; ok {
			delete(c.entries, key)
			c.used -= int64(len(data))
			c.metrics.RecordCache(c.used, 1)
			c.cond.Broadcast()
			return data, nil
		}
		if c.closed {
			return nil, errkind.New(errkind.KindInternal, "engine.segcache", "cache closed while waiting for %s", key)
		}
		if ctx.Err() != nil {
			return nil, errkind.Wrap(errkind.KindCancelled, "engine.segcache", ctx.Err())
		}
		c.cond.Wait()
	}
}

// Used returns current occupancy in bytes.
func (c *SegmentCache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Close wakes all waiters with an error. Used on engine shutdown so no
// worker stays parked on the condition variable.
func (c *SegmentCache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
}
