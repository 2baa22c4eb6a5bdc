// Package cache provides a typed TTL cache over a string key-value backend.
package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/joss/comply/internal/kv"
	"github.com/joss/comply/internal/logging"
)

// DefaultTTL is the staleness window applied to every entry.
const DefaultTTL = 60 * time.Second

// entry is the stored document. Timestamp is unix milliseconds.
type entry[V any] struct {
	Timestamp int64 `json:"timestamp"`
	Data      V     `json:"data"`
}

// Cache stores values of type V under keys of type K. Each cache gets its
// own key type so keys of different caches cannot be mixed.
type Cache[K ~string, V any] struct {
	store  kv.Store
	ttl    time.Duration
	now    func() time.Time
	log    *logging.Logger
	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
	log *logging.Logger
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger for backend failures that reads swallow.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// New creates a cache over store.
func New[K ~string, V any](store kv.Store, opts ...Option) *Cache[K, V] {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.New("cache")
	}
	return &Cache[K, V]{store: store, ttl: o.ttl, now: o.now, log: o.log}
}

// Get returns the value for key if present and fresh. Missing, stale,
// unreadable and corrupt entries are all misses.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, bool) {
	var zero V

	raw, ok, err := c.store.Get(ctx, string(key))
	if err != nil {
		c.log.Warn("cache.read_failed", map[string]interface{}{"key": string(key)}, err)
	}
	if err != nil || !ok {
		c.misses.Add(1)
		return zero, false
	}

	var e entry[V]
	if err := json.Unmarshal([]byte(raw), &e); err != nil || e.Timestamp == 0 {
		c.drop(ctx, string(key), "corrupt")
		c.misses.Add(1)
		return zero, false
	}

	age := c.now().Sub(time.UnixMilli(e.Timestamp))
	if age >= c.ttl || age < 0 {
		c.drop(ctx, string(key), "stale")
		c.misses.Add(1)
		return zero, false
	}

	c.hits.Add(1)
	return e.Data, true
}

// drop deletes an unusable entry. The read is already a miss, so a failed
// delete is only logged.
func (c *Cache[K, V]) drop(ctx context.Context, key, reason string) {
	if err := c.store.Delete(ctx, key); err != nil {
		c.log.Warn("cache.delete_failed", map[string]interface{}{"key": key, "reason": reason}, err)
	}
}

// Set overwrites key with value and a fresh timestamp.
func (c *Cache[K, V]) Set(ctx context.Context, key K, value V) error {
	data, err := json.Marshal(entry[V]{Timestamp: c.now().UnixMilli(), Data: value})
	if err != nil {
		return err
	}
	return c.store.Set(ctx, string(key), string(data))
}

// Invalidate deletes key so the next reader refetches.
func (c *Cache[K, V]) Invalidate(ctx context.Context, key K) error {
	return c.store.Delete(ctx, string(key))
}

// TTL returns the staleness window.
func (c *Cache[K, V]) TTL() time.Duration {
	return c.ttl
}

// Stats holds cache statistics.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns hit and miss counts.
func (c *Cache[K, V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	rate := 0.0
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, HitRate: rate}
}
