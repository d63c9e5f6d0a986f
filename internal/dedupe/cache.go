// ABOUTME: Thread-safe TTL cache of request envelope keys already accepted.
// ABOUTME: The dispatch layer uses it to reject replayed requests on a connection.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a request key is remembered.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxSize bounds the number of remembered keys.
	DefaultMaxSize = 100_000
	// DefaultCleanupInterval is how often expired keys are swept.
	DefaultCleanupInterval = time.Minute
)

// Options configures a Cache. Zero values select the defaults.
type Options struct {
	TTL             time.Duration
	MaxSize         int
	CleanupInterval time.Duration
}

type cacheEntry struct {
	markedAt time.Time
	element  *list.Element
}

// Cache remembers keys for a fixed TTL, evicting the least recently marked
// key once MaxSize is reached.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys, least recently marked at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts its background sweeper. Call Close to stop it.
func New(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}

	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     opts.TTL,
		maxSize: opts.MaxSize,
		done:    make(chan struct{}),
	}
	go c.sweepEvery(opts.CleanupInterval)
	return c
}

// RequestKey builds the cache key for a request ID received on a connection.
func RequestKey(connID, requestID string) string {
	return connID + "\x00" + requestID
}

// Seen reports whether key was marked within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// CheckAndMark marks key and reports whether it was already live. Only one of
// several concurrent callers with the same key sees false.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return true
	}
	c.markLocked(key)
	return false
}

// Mark records key, refreshing its TTL if already present.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key)
}

// Forget removes key so it may be accepted again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[key]; ok {
		c.order.Remove(e.element)
		delete(c.seen, key)
	}
}

// Len returns the number of keys held, including expired keys not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) liveLocked(key string) bool {
	e, ok := c.seen[key]
	return ok && time.Since(e.markedAt) < c.ttl
}

func (c *Cache) markLocked(key string) {
	now := time.Now()
	if e, ok := c.seen[key]; ok {
		e.markedAt = now
		c.order.MoveToBack(e.element)
		return
	}

	for len(c.seen) >= c.maxSize {
		front := c.order.Front()
		if front == nil {
			break
		}
		oldest, _ := front.Value.(string)
		c.order.Remove(front)
		delete(c.seen, oldest)
	}

	c.seen[key] = &cacheEntry{markedAt: now, element: c.order.PushBack(key)}
}

func (c *Cache) sweepEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// sweep drops expired keys. Keys are ordered by mark time, so it stops at the
// first live one.
func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if time.Since(c.seen[key].markedAt) < c.ttl {
			break
		}
		c.order.Remove(front)
		delete(c.seen, key)
		removed++
	}
	return removed
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
