package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/EternisAI/silo-fleet/internal/clock"
)

type item struct {
	key    string
	seenAt time.Time
}

// Cache remembers recently seen message IDs for a bounded time and count.
// The oldest key is evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

func New(clk clock.Clock, ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
}

// CheckAndMark returns true if key was already seen within the TTL. Otherwise
// it records key and returns false.
func (c *Cache) CheckAndMark(key string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.seen[key]; ok {
		it := el.Value.(*item)
		if now.Sub(it.seenAt) < c.ttl {
			return true
		}
		it.seenAt = now
		c.order.MoveToBack(el)
		return false
	}

	for len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	c.seen[key] = c.order.PushBack(&item{key: key, seenAt: now})
	return false
}

func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.seen, front.Value.(*item).key)
}

// Prune drops expired keys. Entries are ordered by mark time so it stops at
// the first live one.
func (c *Cache) Prune() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.order.Front(); el != nil; {
		it := el.Value.(*item)
		if now.Sub(it.seenAt) < c.ttl {
			break
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.seen, it.key)
		removed++
		el = next
	}
	return removed
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
