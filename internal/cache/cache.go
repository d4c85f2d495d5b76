// Package cache is the tiered, process-local store for remote reads.
//
// Entries are keyed by string and carry the tier they were fetched under.
// Concurrent reads of one key share a single fetch. Writes to an entry happen
// only through a fetch result or through Mutate, which applies an optimistic
// value, snapshots the previous one and restores it verbatim on failure.
// An optional Backend mirrors fetch results across processes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"slabvalue/internal/logger"
	"slabvalue/internal/metrics"
)

// ErrSuperseded is returned to readers whose fetch was cancelled by a
// mutation or invalidation on the same key when no value remains to serve.
var ErrSuperseded = errors.New("cache: read superseded")

// Entry is a snapshot of a cached value.
type Entry[T any] struct {
	Data      T         `json:"data"`
	FetchedAt time.Time `json:"fetched_at"`
	Tier      Tier      `json:"tier"`
}

type entry struct {
	data      any
	fetchedAt time.Time
	lastUsed  time.Time
	tier      Tier
	invalid   bool
}

func (e *entry) fresh(now time.Time) bool {
	if e.invalid {
		return false
	}
	return now.Sub(e.fetchedAt) < e.tier.Policy().StaleTime
}

// generation marks the last time reads of a key were superseded. seq comes
// from a cache-wide counter, so a pruned and recreated mark never repeats
// a value a reader may still hold.
type generation struct {
	seq uint64
	at  time.Time
}

// genRetention is how long an idle generation mark outlives its entry.
const genRetention = 10 * time.Minute

// maxSupersededRetries bounds how often a Read restarts after its fetch was
// superseded by an invalidation.
const maxSupersededRetries = 3

// flight is an outgoing fetch for one key.
type flight struct {
	gen    uint64
	cancel context.CancelFunc
}

// Cache holds entries for every tier.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	flights   map[string]*flight
	gens      map[string]generation
	seq       uint64
	mutations map[string]*mutation
	group     singleflight.Group

	backend Backend
	now     func() time.Time
	ticker  func(time.Duration) *time.Ticker
}

// Option configures a Cache.
type Option func(*Cache)

// WithBackend mirrors fetch results into b.
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithTicker replaces time.NewTicker for Watch.
func WithTicker(fn func(time.Duration) *time.Ticker) Option {
	return func(c *Cache) { c.ticker = fn }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:   make(map[string]*entry),
		flights:   make(map[string]*flight),
		gens:      make(map[string]generation),
		mutations: make(map[string]*mutation),
		now:       time.Now,
		ticker:    time.NewTicker,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Key joins key parts with ':'.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Read returns the cached value for key if it is fresh under tier, otherwise
// fetches it. Concurrent callers for the same key share one fetch. When the
// fetch fails and an older value is cached, the older value is served.
func Read[T any](ctx context.Context, c *Cache, key string, tier Tier, fetch func(context.Context) (T, error)) (T, error) {
	var zero T
	fetchAny := func(fctx context.Context) (any, error) {
		t, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		return t, nil
	}

	var err error
	for attempt := 0; ; attempt++ {
		gen := c.generation(key)
		if v, ok := c.lookup(key); ok {
			if t, ok := v.(T); ok {
				metrics.CacheLookup(tier.String(), "hit")
				return t, nil
			}
		}
		if t, ok := readBackend[T](ctx, c, key, tier, gen); ok {
			metrics.CacheLookup(tier.String(), "backend")
			return t, nil
		}

		metrics.CacheLookup(tier.String(), "miss")
		var v any
		v, err = c.load(ctx, key, tier, gen, fetchAny)
		if err == nil {
			if t, ok := v.(T); ok {
				return t, nil
			}
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		// Invalidated mid-read: start over against the new generation.
		// Under a pending mutation the optimistic value is served instead.
		if errors.Is(err, ErrSuperseded) && !c.isPending(key) && attempt < maxSupersededRetries {
			continue
		}
		break
	}

	if e, ok := Peek[T](c, key); ok {
		if !errors.Is(err, ErrSuperseded) {
			metrics.CacheLookup(tier.String(), "stale")
			logger.Warn("Cache", "Fetch failed, serving cached value",
				zap.String("key", key), zap.Error(err))
		}
		return e.Data, nil
	}
	metrics.CacheLookup(tier.String(), "error")
	return zero, err
}

// Peek returns the cached entry without fetching, fresh or not.
func Peek[T any](c *Cache, key string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return Entry[T]{}, false
	}
	t, ok := e.data.(T)
	if !ok {
		return Entry[T]{}, false
	}
	return Entry[T]{Data: t, FetchedAt: e.fetchedAt, Tier: e.tier}, true
}

// Put stores a value obtained outside Read, such as a poll result, as if it
// had been fetched now. It is ignored while a mutation on key is pending.
func Put[T any](ctx context.Context, c *Cache, key string, tier Tier, v T) {
	c.mu.Lock()
	if c.pending(key) {
		c.mu.Unlock()
		return
	}
	c.supersede(key)
	now := c.now()
	c.entries[key] = &entry{data: v, fetchedAt: now, lastUsed: now, tier: tier}
	n := len(c.entries)
	c.mu.Unlock()

	metrics.CacheEntries(n)
	c.writeBackend(ctx, key, tier, v, now)
}

// generation returns key's current generation.
func (c *Cache) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key].seq
}

func (c *Cache) isPending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending(key)
}

// supersede starts a new generation for key: reads that began earlier can
// no longer store their result, and the outgoing fetch is cancelled.
// Caller holds c.mu.
func (c *Cache) supersede(key string) {
	c.seq++
	c.gens[key] = generation{seq: c.seq, at: c.now()}
	if f, ok := c.flights[key]; ok {
		f.cancel()
		delete(c.flights, key)
	}
	c.group.Forget(key)
}

// lookup returns the entry's data if it may be served without a fetch.
// An entry under a pending mutation always qualifies.
func (c *Cache) lookup(key string) (any, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.lastUsed = now
	if !e.fresh(now) && !c.pending(key) {
		return nil, false
	}
	return e.data, true
}

// load runs fetch at most once per key at a time. gen is the generation
// the calling Read started under; if the key has been superseded since, the
// fetch is not run. The fetch outlives the caller's cancellation so other
// waiters still get the result, but a mutation or invalidation cancels it.
func (c *Cache) load(ctx context.Context, key string, tier Tier, gen uint64, fetch func(context.Context) (any, error)) (any, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()

		c.mu.Lock()
		if c.gens[key].seq != gen || c.pending(key) {
			c.mu.Unlock()
			return nil, ErrSuperseded
		}
		f := &flight{gen: gen, cancel: cancel}
		c.flights[key] = f
		c.mu.Unlock()

		v, err := fetch(fctx)

		c.mu.Lock()
		if c.flights[key] == f {
			delete(c.flights, key)
		}
		if c.gens[key].seq != f.gen || c.pending(key) {
			c.mu.Unlock()
			return nil, ErrSuperseded
		}
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		now := c.now()
		c.entries[key] = &entry{data: v, fetchedAt: now, lastUsed: now, tier: tier}
		n := len(c.entries)
		c.mu.Unlock()

		metrics.CacheEntries(n)
		c.writeBackend(fctx, key, tier, v, now)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

// Invalidate marks key stale so the next Read refetches. A fetch already
// under way is cancelled and its result discarded. The cached data stays
// available to Peek and as a fallback.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.invalid = true
	}
	c.supersede(key)
	c.mu.Unlock()
	c.deleteBackend(ctx, key)
}

// InvalidatePrefix marks every key starting with prefix stale, cancels
// their fetches and returns how many cached entries it marked.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) int {
	var keys []string
	c.mu.Lock()
	for k, e := range c.entries {
		if strings.HasPrefix(k, prefix) {
			e.invalid = true
			keys = append(keys, k)
		}
	}
	var fetching []string
	for k := range c.flights {
		if _, cached := c.entries[k]; !cached && strings.HasPrefix(k, prefix) {
			fetching = append(fetching, k)
		}
	}
	for _, k := range append(fetching, keys...) {
		c.supersede(k)
	}
	c.mu.Unlock()
	c.deleteBackend(ctx, keys...)
	return len(keys)
}

// Remove drops key entirely and cancels any fetch for it.
func (c *Cache) Remove(ctx context.Context, key string) {
	c.mu.Lock()
	c.supersede(key)
	delete(c.entries, key)
	if m, ok := c.mutations[key]; ok && m.state != OptimisticPending {
		delete(c.mutations, key)
	}
	n := len(c.entries)
	c.mu.Unlock()

	metrics.CacheEntries(n)
	c.deleteBackend(ctx, key)
}

// Sweep drops entries unused for longer than their tier's GCTime and
// returns how many were removed. Entries under a pending mutation are kept.
// Generation marks of keys with no entry and no fetch are dropped once they
// are older than genRetention.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for k, e := range c.entries {
		if c.pending(k) {
			continue
		}
		if now.Sub(e.lastUsed) >= e.tier.Policy().GCTime {
			delete(c.entries, k)
			delete(c.mutations, k)
			removed++
		}
	}
	for k, g := range c.gens {
		if _, ok := c.entries[k]; ok {
			continue
		}
		if _, ok := c.flights[k]; ok {
			continue
		}
		if _, ok := c.mutations[k]; ok {
			continue
		}
		if now.Sub(g.at) >= genRetention {
			delete(c.gens, k)
		}
	}
	n := len(c.entries)
	c.mu.Unlock()

	metrics.CacheEntries(n)
	return removed
}

// StartJanitor sweeps every interval until ctx is done.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.Sweep(); n > 0 {
					logger.Debug("Cache", "Swept idle entries", zap.Int("removed", n))
				}
			}
		}
	}()
}

// Watch reads key immediately and then on every tick of the tier's refetch
// interval, passing each value to onUpdate, until ctx is done. Tiers without
// a refetch interval are read once.
func Watch[T any](ctx context.Context, c *Cache, key string, tier Tier, fetch func(context.Context) (T, error), onUpdate func(T)) error {
	v, err := Read(ctx, c, key, tier, fetch)
	if err == nil {
		onUpdate(v)
	}
	interval := tier.Policy().RefetchInterval
	if interval <= 0 {
		return err
	}

	t := c.ticker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			v, err := Read(ctx, c, key, tier, fetch)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("Cache", "Watch refetch failed", zap.String("key", key), zap.Error(err))
				continue
			}
			onUpdate(v)
		}
	}
}

// envelope is the Backend wire format.
type envelope struct {
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// readBackend serves key from the backend if the copy there is fresh and key
// has not been superseded since gen.
func readBackend[T any](ctx context.Context, c *Cache, key string, tier Tier, gen uint64) (T, bool) {
	var zero T
	if c.backend == nil {
		return zero, false
	}
	raw, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		logger.Warn("Cache", "Backend read failed", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return zero, false
	}
	now := c.now()
	e := &entry{fetchedAt: env.FetchedAt, lastUsed: now, tier: tier}
	if !e.fresh(now) {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return zero, false
	}
	e.data = v

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key].seq != gen || c.pending(key) {
		return zero, false
	}
	if _, inflight := c.flights[key]; !inflight {
		c.entries[key] = e
	}
	return v, true
}

func (c *Cache) writeBackend(ctx context.Context, key string, tier Tier, v any, fetchedAt time.Time) {
	if c.backend == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		logger.Warn("Cache", "Backend encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	raw, err := json.Marshal(envelope{Data: data, FetchedAt: fetchedAt})
	if err != nil {
		return
	}
	if err := c.backend.Set(ctx, key, raw, tier.Policy().GCTime); err != nil {
		logger.Warn("Cache", "Backend write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *Cache) deleteBackend(ctx context.Context, keys ...string) {
	if c.backend == nil || len(keys) == 0 {
		return
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		logger.Warn("Cache", "Backend delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
