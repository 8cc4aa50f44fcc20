package rbac

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultCacheTTL is how long a resolved permission set is reused
	DefaultCacheTTL = 5 * time.Minute
	// DefaultCacheSize bounds the number of cached users
	DefaultCacheSize = 10000
)

type cacheEntry struct {
	value     *ResolvedPermissions
	expiresAt time.Time
}

// CacheStats reports cache effectiveness
type CacheStats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
	Enabled bool    `json:"enabled"`
}

// PermissionCache is a process-local, bounded, TTL cache of resolved
// permissions keyed by user id.
//
// Every invalidation bumps a generation counter. Values computed through Load
// are stored only if the generation has not moved since the computation
// started, so a read that begins after Invalidate returns never observes a
// set resolved before it.
type PermissionCache struct {
	entries *lru.Cache[string, cacheEntry]
	ttl     time.Duration
	enabled bool

	mu         sync.Mutex
	generation uint64
	flights    singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64

	metrics *Metrics
	logger  *logrus.Logger
	clock   func() time.Time
}

// CacheOption configures a PermissionCache
type CacheOption func(*PermissionCache)

// WithCacheMetrics records cache lookups on m
func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *PermissionCache) { c.metrics = m }
}

// WithCacheLogger sets the logger used by the sweeper
func WithCacheLogger(logger *logrus.Logger) CacheOption {
	return func(c *PermissionCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewPermissionCache creates a cache holding up to size users for ttl each.
// A zero ttl disables caching: Load always computes and Get always misses.
func NewPermissionCache(size int, ttl time.Duration, opts ...CacheOption) (*PermissionCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl < 0 {
		return nil, fmt.Errorf("cache ttl must not be negative: %w", ErrInvalidInput)
	}

	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create permission cache: %w", err)
	}

	c := &PermissionCache{
		entries: entries,
		ttl:     ttl,
		enabled: ttl > 0,
		logger:  logrus.New(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns the cached value for userID if present and unexpired. Expired
// entries are removed on read.
func (c *PermissionCache) Get(userID string) (*ResolvedPermissions, bool) {
	if !c.enabled {
		c.recordLookup(false)
		return nil, false
	}

	entry, ok := c.entries.Get(userID)
	if ok && !c.clock().Before(entry.expiresAt) {
		c.entries.Remove(userID)
		ok = false
	}
	c.recordLookup(ok)
	if !ok {
		return nil, false
	}
	return entry.value, true
}

func (c *PermissionCache) recordLookup(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	c.metrics.cacheLookup(hit)
}

// Set stores value for userID. A non-positive ttl uses the cache default.
func (c *PermissionCache) Set(userID string, value *ResolvedPermissions, ttl time.Duration) {
	if !c.enabled || value == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store(userID, value, ttl)
}

// store must be called with c.mu held
func (c *PermissionCache) store(userID string, value *ResolvedPermissions, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.entries.Add(userID, cacheEntry{value: value, expiresAt: c.clock().Add(ttl)})
	c.metrics.cacheSize(c.entries.Len())
}

// setIfGeneration stores value only if no invalidation happened since gen was observed
func (c *PermissionCache) setIfGeneration(userID string, value *ResolvedPermissions, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.store(userID, value, 0)
	return true
}

func (c *PermissionCache) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Invalidate drops the entry for userID. It is synchronous: once it returns,
// no later read is served the dropped value.
func (c *PermissionCache) Invalidate(userID string) {
	c.mu.Lock()
	c.generation++
	c.entries.Remove(userID)
	n := c.entries.Len()
	c.mu.Unlock()

	c.metrics.cacheInvalidated("user")
	c.metrics.cacheSize(n)
}

// InvalidateAll drops every entry
func (c *PermissionCache) InvalidateAll() {
	c.mu.Lock()
	c.generation++
	c.entries.Purge()
	c.mu.Unlock()

	c.metrics.cacheInvalidated("all")
	c.metrics.cacheSize(0)
}

// Load returns the cached value for userID or computes it with fn. Concurrent
// misses for the same user within one generation share a single computation,
// which keeps running if the caller that started it goes away. The boolean
// reports whether the value came from the cache.
func (c *PermissionCache) Load(ctx context.Context, userID string, fn func(context.Context) (*ResolvedPermissions, error)) (*ResolvedPermissions, bool, error) {
	if !c.enabled {
		value, err := fn(ctx)
		return value, false, err
	}

	if value, ok := c.Get(userID); ok {
		return value, true, nil
	}

	gen := c.currentGeneration()
	key := userID + "@" + strconv.FormatUint(gen, 10)
	ch := c.flights.DoChan(key, func() (any, error) {
		// Other callers may share this flight, so it must outlive ctx's cancellation
		value, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.setIfGeneration(userID, value, gen)
		return value, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*ResolvedPermissions), false, nil
	}
}

// Sweep removes expired entries and returns how many were dropped
func (c *PermissionCache) Sweep() int {
	if !c.enabled {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock()
	removed := 0
	for _, userID := range c.entries.Keys() {
		entry, ok := c.entries.Peek(userID)
		if ok && !cutoff.Before(entry.expiresAt) {
			c.entries.Remove(userID)
			removed++
		}
	}
	c.metrics.cacheSize(c.entries.Len())
	return removed
}

// StartSweeper runs Sweep on a cron schedule such as "@every 1m". The
// returned function stops the sweeper and waits for a running sweep.
func (c *PermissionCache) StartSweeper(schedule string) (func(), error) {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(schedule, func() {
		if removed := c.Sweep(); removed > 0 {
			c.logger.WithField("removed", removed).Debug("Swept expired permission cache entries")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	scheduler.Start()
	return func() {
		<-scheduler.Stop().Done()
	}, nil
}

// Stats returns a snapshot of cache statistics
func (c *PermissionCache) Stats() CacheStats {
	stats := CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Size:    c.entries.Len(),
		Enabled: c.enabled,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// TTL returns the default entry lifetime
func (c *PermissionCache) TTL() time.Duration {
	return c.ttl
}
