// Package dedup remembers recently seen event keys so that redelivered
// webhook events are acknowledged without being dispatched twice.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/tinyland-inc/qqgate/pkg/logger"
)

// Store marks keys as seen. MarkIfNew returns duplicate=true when the key was
// already marked and has not expired.
type Store interface {
	MarkIfNew(ctx context.Context, key string) (duplicate bool, err error)
}

const (
	DefaultTTL           = 10 * time.Minute
	DefaultMaxEntries    = 10000
	DefaultSweepInterval = time.Minute
)

type entry struct {
	key     string
	expires time.Time
}

// Cache is an in-memory Store. Entries live in a map for lookup and in an
// insertion-ordered queue that doubles as the expiry index, since every entry
// shares one TTL.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	queue   []entry
	ttl     time.Duration
	max     int
	now     func() time.Time
}

type Option func(*Cache)

func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func NewCache(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		max:     DefaultMaxEntries,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) MarkIfNew(_ context.Context, key string) (bool, error) {
	return c.Seen(key), nil
}

// Seen marks key and reports whether it was already present.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if exp, ok := c.entries[key]; ok && now.Before(exp) {
		return true
	}

	exp := now.Add(c.ttl)
	c.entries[key] = exp
	c.queue = append(c.queue, entry{key: key, expires: exp})

	if len(c.entries) > c.max {
		c.sweepLocked(now)
		c.evictLocked()
	}
	return false
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *Cache) sweepLocked(now time.Time) int {
	removed := 0
	i := 0
	for ; i < len(c.queue); i++ {
		e := c.queue[i]
		if now.Before(e.expires) {
			break
		}
		// A re-marked key has a newer queue entry; only the live one deletes.
		if exp, ok := c.entries[e.key]; ok && exp.Equal(e.expires) {
			delete(c.entries, e.key)
			removed++
		}
	}
	c.queue = c.queue[i:]
	return removed
}

// evictLocked drops the oldest entries until the map fits.
func (c *Cache) evictLocked() {
	i := 0
	for ; i < len(c.queue) && len(c.entries) > c.max; i++ {
		e := c.queue[i]
		if exp, ok := c.entries[e.key]; ok && exp.Equal(e.expires) {
			delete(c.entries, e.key)
		}
	}
	c.queue = c.queue[i:]
}

// Run sweeps on interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				logger.DebugCF("dedup", "Swept expired keys", map[string]any{
					"removed":   n,
					"remaining": c.Len(),
				})
			}
		}
	}
}
