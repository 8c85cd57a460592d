// Package cache keeps the latest known instance of each aggregate in memory.
// The cache is an overlay on the event store and never overrides it.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// Info describes a cached aggregate.
type Info struct {
	AggregateID   string
	AggregateType string
	Version       int64
	LastUpdated   time.Time
}

type entry struct {
	mu          sync.Mutex
	aggregate   domain.Aggregate
	lastUpdated time.Time
}

// MemoryCache maps aggregate id to its latest in-memory instance.
// Entries are independent; there is no lock across aggregates.
type MemoryCache struct {
	storage store.AggregateStorage
	entries sync.Map
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a MemoryCache.
type Option func(*MemoryCache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *MemoryCache) {
		c.logger = logger
	}
}

// WithClock overrides the time source used for inactivity tracking.
func WithClock(now func() time.Time) Option {
	return func(c *MemoryCache) {
		c.now = now
	}
}

// New creates a cache backed by storage.
func New(storage store.AggregateStorage, opts ...Option) *MemoryCache {
	c := &MemoryCache{
		storage: storage,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached aggregate, loading it from storage on a miss.
// An entry still holding uncommitted changes from a failed command counts as
// a miss. Returns nil, nil when the aggregate has no history.
func (c *MemoryCache) Get(ctx context.Context, aggregateType, id string) (domain.Aggregate, error) {
	if v, ok := c.entries.Load(id); ok {
		e := v.(*entry)
		e.mu.Lock()
		agg := e.aggregate
		if agg != nil && agg.Type() == aggregateType && !domain.HasChanges(agg) {
			e.lastUpdated = c.now()
			e.mu.Unlock()
			return agg, nil
		}
		e.mu.Unlock()
	}

	agg, err := c.storage.Get(ctx, aggregateType, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregate %s: %w", id, err)
	}
	if agg == nil {
		return nil, nil
	}
	c.Set(agg)
	return agg, nil
}

// Detached loads a private instance from storage. The cache is neither read
// nor updated, so the caller may mutate the result freely.
func (c *MemoryCache) Detached(ctx context.Context, aggregateType, id string) (domain.Aggregate, error) {
	agg, err := c.storage.Get(ctx, aggregateType, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregate %s: %w", id, err)
	}
	return agg, nil
}

// Set stores the aggregate unless the cache already holds a newer version.
func (c *MemoryCache) Set(agg domain.Aggregate) {
	v, _ := c.entries.LoadOrStore(agg.ID(), &entry{})
	e := v.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.aggregate != nil && e.aggregate != agg && e.aggregate.Version() > agg.Version() {
		c.logger.Debug("ignoring stale aggregate for cache",
			"aggregate_id", agg.ID(), "cached_version", e.aggregate.Version(), "version", agg.Version())
		return
	}
	e.aggregate = agg
	e.lastUpdated = c.now()
}

// RefreshFromStore replaces the entry with the authoritative state.
func (c *MemoryCache) RefreshFromStore(ctx context.Context, aggregateType, id string) error {
	agg, err := c.storage.Get(ctx, aggregateType, id)
	if err != nil {
		return fmt.Errorf("failed to refresh aggregate %s: %w", id, err)
	}
	if agg == nil {
		c.entries.Delete(id)
		c.logger.Debug("aggregate removed from cache, store has no history", "aggregate_id", id)
		return nil
	}

	v, _ := c.entries.LoadOrStore(id, &entry{})
	e := v.(*entry)
	e.mu.Lock()
	e.aggregate = agg
	e.lastUpdated = c.now()
	e.mu.Unlock()

	c.logger.Debug("aggregate refreshed from store", "aggregate_id", id, "version", agg.Version())
	return nil
}

// Remove drops an aggregate. Returns false if it was not cached.
func (c *MemoryCache) Remove(id string) bool {
	_, ok := c.entries.LoadAndDelete(id)
	return ok
}

// Len returns the number of cached aggregates.
func (c *MemoryCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// All returns a snapshot of the cache contents.
func (c *MemoryCache) All() []Info {
	var out []Info
	c.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.aggregate != nil {
			out = append(out, Info{
				AggregateID:   e.aggregate.ID(),
				AggregateType: e.aggregate.Type(),
				Version:       e.aggregate.Version(),
				LastUpdated:   e.lastUpdated,
			})
		}
		e.mu.Unlock()
		return true
	})
	return out
}

// EvictInactive removes entries not touched for maxInactive and returns how
// many were removed.
func (c *MemoryCache) EvictInactive(maxInactive time.Duration) int {
	cutoff := c.now().Add(-maxInactive)
	removed := 0
	c.entries.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		inactive := e.lastUpdated.Before(cutoff)
		e.mu.Unlock()
		if inactive {
			c.entries.Delete(k)
			removed++
		}
		return true
	})
	if removed > 0 {
		c.logger.Info("evicted inactive aggregates", "count", removed)
	}
	return removed
}
