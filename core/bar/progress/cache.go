package progress

import (
	"context"
	"sync"
	"time"
)

// KeyPrefix prefixes every cached progress key.
const KeyPrefix = "box-"

// Key returns the cache key of a box's install progress.
func Key(boxName string) string { return KeyPrefix + boxName }

// Cache stores the last published snapshot per key. Put replaces the value
// atomically; readers never observe a partial snapshot.
type Cache interface {
	Put(ctx context.Context, key string, state State) error
	Get(ctx context.Context, key string) (State, bool, error)
}

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache returns a cache whose entries expire after ttl. A zero ttl
// keeps entries forever.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Put(_ context.Context, key string, state State) error {
	entry := memoryEntry{state: state}
	if state.EndedAt != nil {
		end := *state.EndedAt
		entry.state.EndedAt = &end
	}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) (State, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return State{}, false, nil
	}
	if !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return State{}, false, nil
	}
	return entry.state, true, nil
}
