package keyex

import "sync"

// Cache is the in-memory epub cache, shared across all chats. It is owned
// by the exchange and mutated only through explicit calls.
type Cache struct {
	mu sync.RWMutex
	m  map[string]string // buddy pub -> verified epub
}

// NewCache creates an empty epub cache.
func NewCache() *Cache {
	return &Cache{m: make(map[string]string)}
}

// Get returns the cached epub for a buddy, if any.
func (c *Cache) Get(pub string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	epub, ok := c.m[pub]
	return epub, ok
}

// Set records a verified epub.
func (c *Cache) Set(pub, epub string) {
	c.mu.Lock()
	c.m[pub] = epub
	c.mu.Unlock()
}

// Delete drops a buddy's entry (unfriend, rotation).
func (c *Cache) Delete(pub string) {
	c.mu.Lock()
	delete(c.m, pub)
	c.mu.Unlock()
}
