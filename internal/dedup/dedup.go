package dedup

import "sync"

// Cache is a bounded FIFO set of already-handled discovery keys.
//
// When the bound is exceeded the oldest key is evicted, which means a
// sufficiently old duplicate can re-fire. That is a deliberate bounded-memory
// trade-off; do not replace it with an unbounded set.
type Cache struct {
	mu    sync.Mutex
	max   int
	set   map[string]struct{}
	order []string
}

const defaultMax = 200

func New(max int) *Cache {
	if max <= 0 {
		max = defaultMax
	}
	return &Cache{
		max: max,
		set: make(map[string]struct{}, max),
	}
}

// Seen reports whether key is currently held.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.set[key]
	return ok
}

// Add inserts key, evicting oldest-first past the bound. Re-adding an
// existing key does not refresh its age.
func (c *Cache) Add(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.set[key]; ok {
		return
	}
	c.set[key] = struct{}{}
	c.order = append(c.order, key)
	for len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.set, oldest)
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
