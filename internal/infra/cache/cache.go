// Package cache provides an in-memory TTL cache with stampede-safe
// population. One Cache instance serves one key namespace; values of a
// namespace share a single type V.
package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/clock"
	"github.com/boddenberg/blog-content-cache/internal/sweeper"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = 10 * time.Minute
)

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero means no expiry
	createdAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Options configures a Cache.
type Options struct {
	// Name labels log lines and metrics.
	Name string
	// DefaultTTL is used by SetDefault. Zero means entries never expire.
	DefaultTTL time.Duration
	// SweepInterval is how often expired entries are purged.
	SweepInterval time.Duration
	Clock         clock.Clock
	Recorder      Recorder
	Logger        *zap.Logger
}

// DefaultOptions returns the stock configuration for a named cache.
func DefaultOptions(name string) Options {
	return Options{
		Name:          name,
		DefaultTTL:    DefaultTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

// ConfigError reports an invalid cache option.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("cache config: %s %s", e.Field, e.Reason)
}

// PanicError is returned to every GetOrSet waiter when the factory panics.
type PanicError struct {
	Key   string
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("cache: factory for %q panicked: %v", e.Key, e.Value)
}

// Cache is a thread-safe key/value store with per-entry TTL.
type Cache[V any] struct {
	name       string
	defaultTTL time.Duration
	clock      clock.Clock
	recorder   Recorder
	logger     *zap.Logger

	mu    sync.RWMutex
	items map[string]*entry[V]
	// gen advances on every Delete and Clear. A population that read an
	// older gen must not store its value.
	gen uint64

	flights singleflight.Group

	hits    atomic.Uint64
	misses  atomic.Uint64
	sets    atomic.Uint64
	deletes atomic.Uint64

	sweeper *sweeper.Sweeper
}

// New validates opts, creates the cache and starts its background sweeper.
// Call Dispose when the cache is no longer needed.
func New[V any](opts Options) (*Cache[V], error) {
	if opts.SweepInterval <= 0 {
		return nil, &ConfigError{Field: "SweepInterval", Reason: "must be positive"}
	}
	if opts.DefaultTTL < 0 {
		return nil, &ConfigError{Field: "DefaultTTL", Reason: "must not be negative"}
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Recorder == nil {
		opts.Recorder = NoopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Cache[V]{
		name:       opts.Name,
		defaultTTL: opts.DefaultTTL,
		clock:      opts.Clock,
		recorder:   opts.Recorder,
		logger:     opts.Logger.With(zap.String("cache", opts.Name)),
		items:      make(map[string]*entry[V]),
	}

	sw, err := sweeper.New("cache:"+opts.Name, opts.SweepInterval, opts.Clock, c.sweep, sweepObserver(opts.Recorder), c.logger)
	if err != nil {
		return nil, err
	}
	c.sweeper = sw
	sw.Start()
	return c, nil
}

// Name returns the namespace label of the cache.
func (c *Cache[V]) Name() string { return c.name }

// Get returns the value for key. An expired entry is removed and reported
// as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	v, ok := c.lookup(key)
	if ok {
		c.hits.Add(1)
		c.recorder.CacheHit(c.name)
	} else {
		c.misses.Add(1)
		c.recorder.CacheMiss(c.name)
	}
	return v, ok
}

// Has reports whether key holds a live entry without touching hit/miss
// counters. Expired entries are evicted.
func (c *Cache[V]) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

// lookup is Get without accounting.
func (c *Cache[V]) lookup(key string) (V, bool) {
	var zero V
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if e != nil && !e.expired(now) {
		return e.value, true
	}

	c.mu.Lock()
	// Only evict the entry we inspected; a concurrent Set may have replaced it.
	if cur, ok := c.items[key]; ok && cur == e {
		delete(c.items, key)
		c.recorder.CacheEvicted(c.name, 1)
	}
	c.mu.Unlock()
	return zero, false
}

// Set stores value under key. ttl <= 0 keeps the entry until it is
// deleted explicitly.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	now := c.clock.Now()
	e := &entry[V]{key: key, value: value, createdAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	c.items[key] = e
	c.mu.Unlock()

	c.sets.Add(1)
	c.recorder.CacheSet(c.name)
}

// Generation returns the current invalidation generation. Pair it with
// SetIfCurrent to keep a value loaded before a Delete or Clear out of the
// cache.
func (c *Cache[V]) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// SetIfCurrent stores value only when no Delete or Clear ran since gen was
// read, and reports whether it did.
func (c *Cache[V]) SetIfCurrent(gen uint64, key string, value V, ttl time.Duration) bool {
	now := c.clock.Now()
	e := &entry[V]{key: key, value: value, createdAt: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.items[key] = e
	c.mu.Unlock()

	c.sets.Add(1)
	c.recorder.CacheSet(c.name)
	return true
}

// Update replaces the live value under key with fn(current), keeping its
// expiry. It does nothing and returns false when key is absent or expired.
// fn runs under the cache lock and must not call back into the cache.
func (c *Cache[V]) Update(key string, fn func(V) V) bool {
	now := c.clock.Now()

	c.mu.Lock()
	cur, ok := c.items[key]
	if !ok || cur == nil || cur.expired(now) {
		c.mu.Unlock()
		return false
	}
	c.items[key] = &entry[V]{
		key:       key,
		value:     fn(cur.value),
		expiresAt: cur.expiresAt,
		createdAt: cur.createdAt,
	}
	c.mu.Unlock()

	c.sets.Add(1)
	c.recorder.CacheSet(c.name)
	return true
}

// SetDefault stores value with the cache's default TTL.
func (c *Cache[V]) SetDefault(key string, value V) {
	c.Set(key, value, c.defaultTTL)
}

// Delete removes key and reports whether anything was removed.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.items[key]
	if ok {
		delete(c.items, key)
	}
	c.gen++
	c.mu.Unlock()

	if ok {
		c.deletes.Add(1)
		c.recorder.CacheDelete(c.name)
	}
	return ok
}

// Clear drops every entry. Counters are left untouched.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.items = make(map[string]*entry[V])
	c.gen++
	c.mu.Unlock()
}

// Size returns the number of stored entries, including expired ones the
// sweeper has not reached yet.
func (c *Cache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// flightResult is what one population hands to its waiters.
type flightResult[V any] struct {
	value  V
	gen    uint64
	leader *byte
}

// GetOrSet returns the cached value for key, or populates it by calling
// factory. Concurrent callers for the same missing key share one factory
// call and its outcome. Errors are returned to every waiter and never
// cached; a panicking factory surfaces as *PanicError.
//
// A value loaded across a Delete or Clear of this cache is returned to the
// flight's waiters but not stored. A caller that arrives after such an
// invalidation discards the result of a flight started before it and
// waits on a fresh one.
//
// The factory receives ctx of the caller that started the population. A
// waiter whose own ctx ends stops waiting and gets ctx.Err(); the
// population carries on for the others.
func (c *Cache[V]) GetOrSet(ctx context.Context, key string, factory func(ctx context.Context) (V, error), ttl time.Duration) (V, error) {
	var zero V
	since := c.Generation()
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	me := new(byte)
	for {
		ch := c.flights.DoChan(key, func() (any, error) {
			return c.populate(ctx, key, factory, ttl, me)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		if res.Err != nil {
			c.logger.Debug("cache population failed",
				zap.String("key", key),
				zap.Error(res.Err),
			)
			return zero, res.Err
		}
		fr := res.Val.(flightResult[V])
		if fr.leader != me {
			if fr.gen < since {
				// The flight predates an invalidation this caller has seen.
				continue
			}
			c.recorder.CacheCoalesced(c.name)
		}
		return fr.value, nil
	}
}

func (c *Cache[V]) populate(ctx context.Context, key string, factory func(ctx context.Context) (V, error), ttl time.Duration, leader *byte) (res any, err error) {
	gen := c.Generation()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cache factory panicked",
				zap.String("key", key),
				zap.Any("panic", r),
			)
			res, err = nil, &PanicError{Key: key, Value: r}
		}
	}()

	// A population that finished between our miss and joining the flight
	// has already filled the entry.
	if v, ok := c.lookup(key); ok {
		return flightResult[V]{value: v, gen: gen, leader: leader}, nil
	}
	v, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	c.SetIfCurrent(gen, key, v, ttl)
	return flightResult[V]{value: v, gen: gen, leader: leader}, nil
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Size:    c.Size(),
	}
	s.HitRate = hitRate(s.Hits, s.Misses)
	return s
}

// ResetStats zeroes every counter.
func (c *Cache[V]) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.sets.Store(0)
	c.deletes.Store(0)
}

// Sweep removes expired entries now and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	return c.sweeper.RunOnce()
}

// Dispose stops the background sweeper. Safe to call more than once.
func (c *Cache[V]) Dispose() {
	c.sweeper.Stop()
}

// sweep snapshots the expiring keys under the read lock, then re-checks
// and removes each one under a short write lock so foreground calls are
// never blocked for the whole walk.
func (c *Cache[V]) sweep(now time.Time) int {
	c.mu.RLock()
	candidates := make([]*entry[V], 0, len(c.items))
	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if e == nil || e.expired(now) {
			keys = append(keys, k)
			candidates = append(candidates, e)
		}
	}
	c.mu.RUnlock()

	removed := 0
	for i, k := range keys {
		if c.sweepOne(k, candidates[i], now) {
			removed++
		}
	}
	if removed > 0 {
		c.recorder.CacheEvicted(c.name, removed)
	}
	return removed
}

func (c *Cache[V]) sweepOne(key string, snap *entry[V], now time.Time) (removed bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sweep: skipping entry",
				zap.String("key", key),
				zap.Any("panic", r),
			)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.items[key]
	if !ok || cur != snap {
		return false
	}
	if cur == nil {
		c.logger.Warn("sweep: removing malformed entry", zap.String("key", key))
		delete(c.items, key)
		return true
	}
	if !cur.expired(now) {
		return false
	}
	delete(c.items, key)
	return true
}
