// Package cache is the read-through calculation cache. Entries are tagged
// with the buckets and records they were derived from; invalidating a tag
// advances a logical clock and records it as the tag's generation, so an
// entry whose computation started before the latest invalidation of any of
// its tags is never served again.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Bucket groups entries of one kind.
type Bucket string

const (
	BucketTariff      Bucket = "tariff"
	BucketFactor      Bucket = "factor"
	BucketCalculation Bucket = "calculation"
	BucketStatistics  Bucket = "statistics"
)

// Tag names something an entry depends on.
type Tag string

const tagAll Tag = "all"

func (b Bucket) Tag() Tag { return Tag("bucket:" + string(b)) }

func TariffTag(id uuid.UUID) Tag { return Tag(string(ScopeTariff) + ":" + id.String()) }
func PlanTag(id uuid.UUID) Tag { return Tag(string(ScopePlan) + ":" + id.String()) }
func ServiceTag(id uuid.UUID) Tag { return Tag(string(ScopeService) + ":" + id.String()) }
func PatientTag(id uuid.UUID) Tag { return Tag(string(ScopePatient) + ":" + id.String()) }

// Tagged is implemented by cached values that know extra dependencies only
// after they are computed, such as the tariff a lookup resolved to.
type Tagged interface {
	CacheTags() []Tag
}

// Key is a normalized cache key.
type Key struct {
	Bucket Bucket
	Parts  []string
}

func NewKey(b Bucket, parts ...string) Key {
	return Key{Bucket: b, Parts: parts}
}

func (k Key) String() string {
	return string(k.Bucket) + "|" + strings.Join(k.Parts, "|")
}

// Scope says what an invalidation targeted.
type Scope string

const (
	ScopeAll        Scope = "all"
	ScopeTariff     Scope = "tariff"
	ScopePlan       Scope = "plan"
	ScopeService    Scope = "service"
	ScopePatient    Scope = "patient"
	ScopeStatistics Scope = "statistics"
	ScopeFactors    Scope = "factors"
)

// InvalidationEvent is broadcast to subscribers after every invalidation.
// Origin is empty for invalidations raised in this process.
type InvalidationEvent struct {
	Generation uint64    `json:"generation"`
	Scope      Scope     `json:"scope"`
	Target     string    `json:"target,omitempty"`
	At         time.Time `json:"at"`
	Origin     string    `json:"origin,omitempty"`
}

// Config tunes the cache. Zero values fall back to defaults.
type Config struct {
	// TTL bounds how long an entry may be served; zero keeps entries until
	// they are invalidated.
	TTL time.Duration
	// MaxAttempts bounds recomputation when invalidations keep racing a
	// computation. Defaults to 3.
	MaxAttempts int
	// ComputeTimeout bounds a shared computation once it no longer follows
	// any single caller's context. Defaults to 30s.
	ComputeTimeout time.Duration
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Entries         int    `json:"entries"`
	Generation      uint64 `json:"generation"`
	Hits            int64  `json:"hits"`
	Misses          int64  `json:"misses"`
	StaleRecomputes int64  `json:"stale_recomputes"`
	Invalidations   int64  `json:"invalidations"`
}

type entry struct {
	value     interface{}
	tags      []Tag
	startedAt uint64
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	mu          sync.RWMutex
	clock       uint64
	generations map[Tag]uint64
	entries     map[string]*entry

	subsMu  sync.Mutex
	subs    map[int]func(InvalidationEvent)
	nextSub int

	flight         singleflight.Group
	ttl            time.Duration
	maxAttempts    int
	computeTimeout time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	hits, misses, stale, invalidations int64
}

func New(cfg Config, logger zerolog.Logger) *Cache {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = 30 * time.Second
	}
	return &Cache{
		generations:    make(map[Tag]uint64),
		entries:        make(map[string]*entry),
		subs:           make(map[int]func(InvalidationEvent)),
		ttl:            cfg.TTL,
		maxAttempts:    cfg.MaxAttempts,
		computeTimeout: cfg.ComputeTimeout,
		logger:         logger.With().Str("component", "calculation_cache").Logger(),
		now:            time.Now,
	}
}

type bypassKey struct{}

// Bypass returns a context under which GetOrCompute neither reads nor
// populates any cache.
func Bypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey{}, true)
}

func bypassed(ctx context.Context) bool {
	v, _ := ctx.Value(bypassKey{}).(bool)
	return v
}

// GetOrCompute returns the cached value for key or computes, stores and
// returns it. tags name what the value depends on; the key's bucket is
// always added. A nil cache or a Bypass context computes directly.
func GetOrCompute[T any](ctx context.Context, c *Cache, key Key, tags []Tag, compute func(ctx context.Context) (T, error)) (T, error) {
	if c == nil || bypassed(ctx) {
		return compute(ctx)
	}
	v, err := c.getOrCompute(ctx, key, tags, func(ctx context.Context) (interface{}, error) {
		return compute(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *Cache) getOrCompute(ctx context.Context, key Key, tags []Tag, compute func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	k := key.String()
	deps := append(append([]Tag(nil), tags...), key.Bucket.Tag())

	if v, ok := c.lookup(k); ok {
		atomic.AddInt64(&c.hits, 1)
		return v, nil
	}
	atomic.AddInt64(&c.misses, 1)

	for attempt := 1; ; attempt++ {
		start := c.Generation()
		// The shared computation outlives whichever caller started it; each
		// caller still stops waiting when its own context ends.
		ch := c.flight.DoChan(fmt.Sprintf("%s@%d", k, start), func() (interface{}, error) {
			shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.computeTimeout)
			defer cancel()
			return compute(shared)
		})

		var res singleflight.Result
		select {
		case res = <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if res.Err != nil {
			return nil, res.Err
		}

		all := deps
		if t, ok := res.Val.(Tagged); ok {
			all = append(all, t.CacheTags()...)
		}
		if c.store(k, res.Val, all, start) {
			return res.Val, nil
		}

		// An invalidation touching this entry landed while it was computed.
		atomic.AddInt64(&c.stale, 1)
		if attempt >= c.maxAttempts {
			c.logger.Warn().Str("key", k).Int("attempts", attempt).Msg("invalidations kept racing computation; returning uncached result")
			return res.Val, nil
		}
	}
}

func (c *Cache) lookup(k string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[k]
	valid := ok && c.validLocked(e)
	c.mu.RUnlock()
	if valid {
		return e.value, true
	}
	if ok {
		c.mu.Lock()
		if cur, still := c.entries[k]; still && cur == e {
			delete(c.entries, k)
		}
		c.mu.Unlock()
	}
	return nil, false
}

func (c *Cache) store(k string, v interface{}, tags []Tag, startedAt uint64) bool {
	e := &entry{value: v, tags: tags, startedAt: startedAt}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.validLocked(e) {
		return false
	}
	c.entries[k] = e
	return true
}

// validLocked reports whether no tag of e was invalidated after e's
// computation started. Callers hold c.mu.
func (c *Cache) validLocked(e *entry) bool {
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		return false
	}
	if c.generations[tagAll] > e.startedAt {
		return false
	}
	for _, t := range e.tags {
		if c.generations[t] > e.startedAt {
			return false
		}
	}
	return true
}

// Generation returns the current value of the logical clock.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clock
}

func (c *Cache) InvalidateAll() { c.invalidate(ScopeAll, "", "") }

// InvalidateTariff drops every entry that resolved through the tariff.
func (c *Cache) InvalidateTariff(id uuid.UUID) { c.invalidate(ScopeTariff, id.String(), "") }

// InvalidateByPlan drops every entry touching the plan, for any service.
func (c *Cache) InvalidateByPlan(id uuid.UUID) { c.invalidate(ScopePlan, id.String(), "") }

// InvalidateByService drops every entry touching the service, for any plan.
func (c *Cache) InvalidateByService(id uuid.UUID) { c.invalidate(ScopeService, id.String(), "") }

// InvalidateByPatient drops every calculation for the patient. Policy and
// profile changes go through here since a new policy's plan is not yet among
// the entry's tags.
func (c *Cache) InvalidateByPatient(id uuid.UUID) { c.invalidate(ScopePatient, id.String(), "") }

func (c *Cache) InvalidateStatistics() { c.invalidate(ScopeStatistics, "", "") }

// InvalidateFactors drops every entry priced from factor settings.
func (c *Cache) InvalidateFactors() { c.invalidate(ScopeFactors, "", "") }

// Apply replays an invalidation received from another instance. The event
// is rebroadcast locally with its origin kept.
func (c *Cache) Apply(ev InvalidationEvent) error {
	if _, err := tagFor(ev.Scope, ev.Target); err != nil {
		return err
	}
	c.invalidate(ev.Scope, ev.Target, ev.Origin)
	return nil
}

func tagFor(scope Scope, target string) (Tag, error) {
	switch scope {
	case ScopeAll:
		return tagAll, nil
	case ScopeStatistics:
		return BucketStatistics.Tag(), nil
	case ScopeFactors:
		return BucketFactor.Tag(), nil
	case ScopeTariff, ScopePlan, ScopeService, ScopePatient:
		if target == "" {
			return "", fmt.Errorf("invalidation scope %s needs a target", scope)
		}
		return Tag(string(scope) + ":" + target), nil
	default:
		return "", fmt.Errorf("unknown invalidation scope %q", scope)
	}
}

// invalidate advances the clock, records the tag generation and drops the
// affected entries under one lock, then broadcasts.
func (c *Cache) invalidate(scope Scope, target, origin string) {
	tag, err := tagFor(scope, target)
	if err != nil {
		c.logger.Error().Err(err).Msg("invalid invalidation request")
		return
	}

	c.mu.Lock()
	c.clock++
	gen := c.clock
	c.generations[tag] = gen
	dropped := 0
	if tag == tagAll {
		dropped = len(c.entries)
		c.entries = make(map[string]*entry)
	} else {
		for k, e := range c.entries {
			if hasTag(e.tags, tag) {
				delete(c.entries, k)
				dropped++
			}
		}
	}
	c.mu.Unlock()

	atomic.AddInt64(&c.invalidations, 1)
	c.logger.Debug().
		Str("scope", string(scope)).
		Str("target", target).
		Uint64("generation", gen).
		Int("dropped", dropped).
		Msg("cache invalidated")

	c.broadcast(InvalidationEvent{
		Generation: gen,
		Scope:      scope,
		Target:     target,
		At:         c.now().UTC(),
		Origin:     origin,
	})
}

func hasTag(tags []Tag, t Tag) bool {
	for _, x := range tags {
		if x == t {
			return true
		}
	}
	return false
}

// Subscribe registers fn for every invalidation event and returns a
// function that removes it. fn runs synchronously after the generation has
// advanced, so it must not block for long.
func (c *Cache) Subscribe(fn func(InvalidationEvent)) (unsubscribe func()) {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Cache) broadcast(ev InvalidationEvent) {
	c.subsMu.Lock()
	fns := make([]func(InvalidationEvent), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n, gen := len(c.entries), c.clock
	c.mu.RUnlock()
	return Stats{
		Entries:         n,
		Generation:      gen,
		Hits:            atomic.LoadInt64(&c.hits),
		Misses:          atomic.LoadInt64(&c.misses),
		StaleRecomputes: atomic.LoadInt64(&c.stale),
		Invalidations:   atomic.LoadInt64(&c.invalidations),
	}
}

// StartCleanup periodically drops expired and stale entries until ctx is
// cancelled.
func (c *Cache) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				for k, e := range c.entries {
					if !c.validLocked(e) {
						delete(c.entries, k)
					}
				}
				c.mu.Unlock()
			}
		}
	}()
}
