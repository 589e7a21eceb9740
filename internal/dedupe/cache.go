// ABOUTME: Bounded TTL set of recently recorded security event keys
// ABOUTME: The audit logger uses it so one request yields at most one event per category

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

type entry struct {
	recorded time.Time
	element  *list.Element
}

// Cache is a size-limited set of keys that expire after a TTL. Insertion order
// is kept in a list so the oldest key can be evicted in O(1) when full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a cache and starts a goroutine that drops expired keys once a minute.
func New(ttl time.Duration, maxSize int) *Cache {
	c := newCache(ttl, maxSize, time.Now)
	go c.sweepLoop(time.Minute)
	return c
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// Key joins parts into a cache key.
func Key(parts ...string) string {
	return strings.Join(parts, "\x1f")
}

// Seen reports whether key was recorded within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[key]
	return ok && c.now().Sub(e.recorded) < c.ttl
}

// FirstSighting records key and reports true if it was not already present.
// Check and insert happen under one lock.
func (c *Cache) FirstSighting(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.seen[key]; ok {
		if now.Sub(e.recorded) < c.ttl {
			return false
		}
		e.recorded = now
		c.order.MoveToBack(e.element)
		return true
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[key] = &entry{recorded: now, element: c.order.PushBack(key)}
	return true
}

// Forget removes key so the next FirstSighting succeeds again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len returns the number of keys held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes expired keys and returns how many it dropped.
func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	dropped := 0
	for key, e := range c.seen {
		if now.Sub(e.recorded) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
			dropped++
		}
	}
	return dropped
}

// Close stops the sweeper. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
