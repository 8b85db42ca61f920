// Package resultcache stores completed slide-deck results keyed by lesson and
// user, with a secondary lookup by job id.
package resultcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"slidegen/internal/domain"
)

// DefaultTTL is how long a result stays cached when no TTL is configured.
const DefaultTTL = time.Hour

type memoryEntry struct {
	result    *domain.Result
	expiresAt time.Time
}

// MemoryCache is a process-local ResultCache. Expired entries are dropped
// lazily on read and swept on every write.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[domain.CacheKey]memoryEntry
	jobs    map[string]domain.CacheKey
	hits    int64
	misses  int64
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[domain.CacheKey]memoryEntry),
		jobs:    make(map[string]domain.CacheKey),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key domain.CacheKey) (*domain.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.lookupLocked(key)
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return res, ok, nil
}

func (c *MemoryCache) GetByJob(ctx context.Context, jobID string) (*domain.Result, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.jobs[jobID]
	if !ok {
		return nil, false, nil
	}
	res, ok := c.lookupLocked(key)
	if !ok || res.JobID != jobID {
		return nil, false, nil
	}
	return res, true, nil
}

func (c *MemoryCache) lookupLocked(key domain.CacheKey) (*domain.Result, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		c.deleteLocked(key, entry)
		return nil, false
	}
	return entry.result.Clone(), true
}

func (c *MemoryCache) Put(ctx context.Context, key domain.CacheKey, result *domain.Result) error {
	if !result.Valid() {
		return fmt.Errorf("cache put: %w: result has no usable slides", domain.ErrInvalidRequest)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.sweepLocked(now)
	if prev, ok := c.entries[key]; ok {
		delete(c.jobs, prev.result.JobID)
	}
	c.entries[key] = memoryEntry{result: result.Clone(), expiresAt: now.Add(c.ttl)}
	if result.JobID != "" {
		c.jobs[result.JobID] = key
	}
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, lessonID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := false
	for key, entry := range c.entries {
		if key.LessonID == lessonID {
			c.deleteLocked(key, entry)
			removed = true
		}
	}
	return removed, nil
}

func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[domain.CacheKey]memoryEntry)
	c.jobs = make(map[string]domain.CacheKey)
	c.hits, c.misses = 0, 0
	return nil
}

func (c *MemoryCache) Stats(ctx context.Context) (domain.CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	stats := domain.CacheStats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
	stats.ComputeHitRate()
	return stats, nil
}

func (c *MemoryCache) sweepLocked(now time.Time) {
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			c.deleteLocked(key, entry)
		}
	}
}

func (c *MemoryCache) deleteLocked(key domain.CacheKey, entry memoryEntry) {
	delete(c.entries, key)
	if entry.result != nil && c.jobs[entry.result.JobID] == key {
		delete(c.jobs, entry.result.JobID)
	}
}

var _ domain.ResultCache = (*MemoryCache)(nil)
