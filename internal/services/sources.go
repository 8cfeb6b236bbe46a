package services

import "sync"

// sourceCache remembers the file names of cited files. Names are process-wide and only cleared
// explicitly.
type sourceCache struct {
	mu    sync.RWMutex
	names map[string]string
}

func newSourceCache() *sourceCache {
	return &sourceCache{names: make(map[string]string)}
}

func (c *sourceCache) get(fileID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[fileID]
	return name, ok
}

func (c *sourceCache) put(fileID, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[fileID] = name
}

func (c *sourceCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.names)
}
