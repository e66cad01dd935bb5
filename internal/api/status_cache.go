package api

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// statusCache is a TTL cache over the status snapshot with singleflight
// coalescing, so a burst of dashboard polls costs one store scan.
type statusCache struct {
	mu       sync.RWMutex
	snapshot *StatusResponse
	loadedAt time.Time
	ttl      time.Duration
	group    singleflight.Group
	load     func() (*StatusResponse, error)
}

func newStatusCache(load func() (*StatusResponse, error), ttl time.Duration) *statusCache {
	return &statusCache{load: load, ttl: ttl}
}

// Get returns the cached snapshot or rebuilds it. Concurrent callers
// share one rebuild.
func (c *statusCache) Get() (*StatusResponse, error) {
	c.mu.RLock()
	if c.snapshot != nil && time.Since(c.loadedAt) < c.ttl {
		snap := c.snapshot
		c.mu.RUnlock()
		return snap, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.group.Do("status", func() (any, error) {
		// Re-check after winning the singleflight slot.
		c.mu.RLock()
		if c.snapshot != nil && time.Since(c.loadedAt) < c.ttl {
			snap := c.snapshot
			c.mu.RUnlock()
			return snap, nil
		}
		c.mu.RUnlock()

		snap, err := c.load()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.snapshot = snap
		c.loadedAt = time.Now()
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*StatusResponse), nil
}

// Invalidate forces the next Get to rebuild.
func (c *statusCache) Invalidate() {
	c.mu.Lock()
	c.snapshot = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}
