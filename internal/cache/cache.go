// Package cache implements the query cache: keyed entries with staleness,
// in-flight fetch dedupe, retry, polling and monotonic per-key versions that
// the mutation layer uses for safe rollback.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/orchestrator/errs"
	"github.com/coachpo/orchestrator/internal/observability"
)

// ErrCanceled is returned to callers waiting on a fetch that was cancelled
// before any data existed for the key.
var ErrCanceled = errors.New("cache: fetch canceled")

// Fetcher loads the value for a key from the backend.
type Fetcher func(ctx context.Context) (any, error)

// Config holds cache-wide defaults.
type Config struct {
	StaleTime     time.Duration
	Retry         int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// Enabled gates every query that does not bring its own gate.
	Enabled func() bool
	// Workers bounds concurrent refetches during invalidation.
	Workers int
	Now     func() time.Time
}

// Options tune a single query. Zero values fall back to Config.
type Options struct {
	// StaleTime < 0 treats data as immediately stale.
	StaleTime    time.Duration
	PollInterval time.Duration
	Enabled      func() bool
	// Retry < 0 disables retries.
	Retry int
}

// Entry is a point-in-time view of a cached key.
type Entry struct {
	Key       Key
	Value     any
	Present   bool
	FetchedAt time.Time
	Version   uint64
	Live      bool
	Stale     bool
	Fetching  bool
	Err       error
}

// Snapshot captures a key before an optimistic patch.
type Snapshot struct {
	Key     Key
	Value   any
	Present bool
	Version uint64
}

type entry struct {
	key       Key
	value     any
	present   bool
	fetchedAt time.Time
	version   uint64
	live      bool
	invalid   bool
	err       error
	inflight  *call
	fetch     Fetcher
	opts      Options
	observers int

	pollEvery  time.Duration
	pollCancel context.CancelFunc
}

type call struct {
	done      chan struct{}
	cancel    context.CancelFunc
	discarded bool
	err       error
}

// Cache is an injectable query cache. Construct with New, bind background
// work to a parent context with Init, and clear with Teardown on logout.
type Cache struct {
	cfg     Config
	now     func() time.Time
	metrics *cacheMetrics

	mu        sync.Mutex
	entries   map[string]*entry
	listeners map[string]map[int]func(Entry)
	nextID    int
	seq       uint64
	parent    context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	closing   bool

	work conc.WaitGroup
}

// New constructs a Cache bound to context.Background.
func New(cfg Config) *Cache {
	if cfg.StaleTime == 0 {
		cfg.StaleTime = 30 * time.Second
	}
	if cfg.Retry == 0 {
		cfg.Retry = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		cfg:       cfg,
		now:       now,
		metrics:   newCacheMetrics(),
		entries:   make(map[string]*entry),
		listeners: make(map[string]map[int]func(Entry)),
	}
	c.Init(context.Background())
	return c
}

// Init binds background fetches and pollers to ctx. Calling it again rebinds
// future work; already running work keeps its previous parent.
func (c *Cache) Init(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parent = ctx
	if c.cancel != nil {
		return
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
}

// Teardown cancels in-flight fetches and pollers, waits for them, and drops
// all cached data. Observed queries keep their registration (fetcher,
// options, poll interval) so Resume restarts them on the next login. The
// cache stays usable afterwards.
func (c *Cache) Teardown() {
	c.mu.Lock()
	c.closing = true
	if c.cancel != nil {
		c.cancel()
	}
	for id, e := range c.entries {
		c.cancelLocked(e)
		e.pollCancel = nil
		if e.observers == 0 {
			delete(c.entries, id)
			continue
		}
		e.value, e.present, e.err = nil, false, nil
		e.live, e.invalid = false, false
		e.fetchedAt = time.Time{}
		c.bumpLocked(e)
	}
	c.mu.Unlock()

	c.work.Wait()

	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(c.parent)
	c.closing = false
	c.mu.Unlock()
	observability.Log().Debug("query cache torn down")
}

func (c *Cache) resolve(opts Options) Options {
	if opts.StaleTime == 0 {
		opts.StaleTime = c.cfg.StaleTime
	}
	if opts.Retry == 0 {
		opts.Retry = c.cfg.Retry
	}
	if opts.Enabled == nil {
		opts.Enabled = c.cfg.Enabled
	}
	return opts
}

func enabled(opts Options) bool {
	return opts.Enabled == nil || opts.Enabled()
}

func (c *Cache) entryLocked(key Key) *entry {
	id := key.id()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{key: key.clone()}
		c.entries[id] = e
	}
	return e
}

func (c *Cache) staleLocked(e *entry, opts Options) bool {
	if !e.present || e.invalid {
		return true
	}
	if e.live {
		return false
	}
	if opts.StaleTime < 0 {
		return true
	}
	return c.now().Sub(e.fetchedAt) >= opts.StaleTime
}

func (e *entry) view() Entry {
	return Entry{
		Key:       e.key.clone(),
		Value:     e.value,
		Present:   e.present,
		FetchedAt: e.fetchedAt,
		Version:   e.version,
		Live:      e.live,
		Stale:     e.invalid,
		Fetching:  e.inflight != nil,
		Err:       e.err,
	}
}

func (c *Cache) bumpLocked(e *entry) uint64 {
	c.seq++
	e.version = c.seq
	return e.version
}

// Fetch returns the entry for key, loading it through fetch when absent or
// stale. Fresh data returns without a request; stale data returns at once
// while a background refetch runs; missing data blocks until the shared
// in-flight fetch completes or ctx ends.
func (c *Cache) Fetch(ctx context.Context, key Key, fetch Fetcher, opts Options) (Entry, error) {
	opts = c.resolve(opts)
	c.mu.Lock()
	e := c.entryLocked(key)
	if fetch != nil {
		e.fetch, e.opts = fetch, opts
	}
	if !enabled(opts) || e.fetch == nil {
		view := e.view()
		c.mu.Unlock()
		c.metrics.lookup(ctx, key, "disabled")
		return view, nil
	}
	if !c.staleLocked(e, opts) {
		view := e.view()
		c.mu.Unlock()
		c.metrics.lookup(ctx, key, "hit")
		return view, nil
	}
	if e.present {
		c.spawnLocked(e)
		view := e.view()
		c.mu.Unlock()
		c.metrics.lookup(ctx, key, "stale")
		return view, nil
	}
	pending := c.spawnLocked(e)
	c.mu.Unlock()
	c.metrics.lookup(ctx, key, "miss")

	select {
	case <-pending.done:
	case <-ctx.Done():
		return c.peek(key), ctx.Err()
	}
	view := c.peek(key)
	switch {
	case pending.discarded && !view.Present:
		return view, ErrCanceled
	case pending.discarded:
		return view, nil
	case pending.err != nil:
		return view, pending.err
	}
	return view, nil
}

func (c *Cache) peek(key Key) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.id()]; ok {
		return e.view()
	}
	return Entry{Key: key.clone()}
}

// spawnLocked starts (or joins) the in-flight fetch for e on the work group.
func (c *Cache) spawnLocked(e *entry) *call {
	pending, run := c.startLocked(e)
	if run != nil {
		c.work.Go(run)
	}
	return pending
}

// startLocked registers a fetch for e and returns the function that performs
// it, or nil when a fetch is already in flight or the cache is closing.
func (c *Cache) startLocked(e *entry) (*call, func()) {
	if e.inflight != nil {
		return e.inflight, nil
	}
	if c.closing || c.ctx == nil {
		done := make(chan struct{})
		close(done)
		return &call{done: done, err: ErrCanceled}, nil
	}
	ctx, cancel := context.WithCancel(c.ctx)
	pending := &call{done: make(chan struct{}), cancel: cancel}
	e.inflight = pending
	fetch, opts := e.fetch, e.opts
	return pending, func() { c.run(ctx, e, pending, fetch, opts) }
}

func (c *Cache) run(ctx context.Context, e *entry, pending *call, fetch Fetcher, opts Options) {
	defer pending.cancel()
	start := time.Now()
	value, err := c.retrying(ctx, fetch, opts)
	c.metrics.fetched(ctx, e.key, err, time.Since(start))

	c.mu.Lock()
	if pending.discarded || e.inflight != pending {
		c.mu.Unlock()
		close(pending.done)
		return
	}
	e.inflight = nil
	pending.err = err
	if err != nil {
		e.err = err
		observability.Log().Debug("query fetch failed", observability.F("key", e.key.String()), observability.F("err", err))
	} else {
		e.value = value
		e.present = true
		e.fetchedAt = c.now()
		e.invalid = false
		e.err = nil
		c.bumpLocked(e)
	}
	view := e.view()
	fns := c.listenersLocked(e.key)
	c.mu.Unlock()
	close(pending.done)
	for _, fn := range fns {
		fn(view)
	}
}

// retrying runs fetch, retrying retryable failures with exponential backoff.
func (c *Cache) retrying(ctx context.Context, fetch Fetcher, opts Options) (any, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = c.cfg.RetryDelay
	backoffCfg.MaxInterval = c.cfg.MaxRetryDelay
	for attempt := 0; ; attempt++ {
		value, err := fetch(ctx)
		if err == nil {
			return value, nil
		}
		if attempt >= opts.Retry || !errs.Retryable(err) || ctx.Err() != nil || !enabled(opts) {
			return nil, err
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(sleep):
		}
	}
}

// Cancel aborts the in-flight fetch for key; its result is discarded.
func (c *Cache) Cancel(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.id()]
	if !ok {
		return false
	}
	return c.cancelLocked(e)
}

func (c *Cache) cancelLocked(e *entry) bool {
	pending := e.inflight
	if pending == nil {
		return false
	}
	pending.discarded = true
	e.inflight = nil
	pending.cancel()
	return true
}

// Get returns the cached entry for key.
func (c *Cache) Get(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.id()]
	if !ok {
		return Entry{Key: key.clone()}, false
	}
	return e.view(), e.present
}

// Set writes value for key, marks it fresh and returns the new version.
func (c *Cache) Set(key Key, value any) uint64 {
	return c.SetData(key, func(any, bool) any { return value })
}

// SetData replaces the value for key with fn(previous) and returns the new version.
func (c *Cache) SetData(key Key, fn func(prev any, ok bool) any) uint64 {
	_, version := c.Swap(key, func(prev any, ok bool) (any, bool) { return fn(prev, ok), true })
	return version
}

// Swap captures key and replaces its value with fn(previous) under one lock,
// so no concurrent write can land between the snapshot and the patch. When
// fn declines the write nothing changes and the returned version is 0.
// fn must not call back into the cache.
func (c *Cache) Swap(key Key, fn func(prev any, ok bool) (any, bool)) (Snapshot, uint64) {
	c.mu.Lock()
	snap := Snapshot{Key: key.clone()}
	e, exists := c.entries[key.id()]
	var prev any
	if exists {
		snap.Value, snap.Present, snap.Version = e.value, e.present, e.version
		prev = e.value
	}
	next, write := fn(prev, snap.Present)
	if !write {
		c.mu.Unlock()
		return snap, 0
	}
	if !exists {
		e = c.entryLocked(key)
	}
	e.value = next
	e.present = true
	e.fetchedAt = c.now()
	e.invalid = false
	e.err = nil
	version := c.bumpLocked(e)
	view := e.view()
	fns := c.listenersLocked(e.key)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(view)
	}
	return snap, version
}

// Remove drops the data for key and cancels its fetch. Observers stay registered.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key.id()]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.cancelLocked(e)
	if e.observers == 0 {
		delete(c.entries, key.id())
	}
	e.value, e.present, e.err, e.live = nil, false, nil, false
	c.bumpLocked(e)
	view := e.view()
	fns := c.listenersLocked(e.key)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(view)
	}
}

// Version returns the current version of key, or 0 when unknown.
func (c *Cache) Version(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.id()]; ok {
		return e.version
	}
	return 0
}

// Snapshot captures key for a later RestoreIf.
func (c *Cache) Snapshot(key Key) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{Key: key.clone()}
	if e, ok := c.entries[key.id()]; ok {
		snap.Value, snap.Present, snap.Version = e.value, e.present, e.version
	}
	return snap
}

// RestoreIf writes snap back only when key is still at patched, the version
// produced by the caller's own patch. It reports whether the restore happened.
func (c *Cache) RestoreIf(snap Snapshot, patched uint64) bool {
	c.mu.Lock()
	e, ok := c.entries[snap.Key.id()]
	if !ok || e.version != patched {
		c.mu.Unlock()
		return false
	}
	e.value, e.present = snap.Value, snap.Present
	if !snap.Present {
		e.value = nil
	}
	c.bumpLocked(e)
	view := e.view()
	fns := c.listenersLocked(e.key)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(view)
	}
	return true
}

// SetLive marks key as owned by a realtime channel. Live keys are never
// polled and their data counts as fresh.
func (c *Cache) SetLive(key Key, live bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entryLocked(key).live = live
}

// IsLive reports whether a realtime channel currently owns key.
func (c *Cache) IsLive(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.id()]
	return ok && e.live
}

// Invalidate marks every key under prefixes stale and refetches the observed
// ones, bounded by Config.Workers. No prefixes means every key. Refetch
// failures are stored on their entries and joined into the returned error.
func (c *Cache) Invalidate(ctx context.Context, prefixes ...Key) error {
	c.mu.Lock()
	var targets []*entry
	for _, e := range c.entries {
		if !matchesAny(e.key, prefixes) {
			continue
		}
		e.invalid = true
		if e.observers > 0 && e.fetch != nil && enabled(e.opts) {
			// a fetch that started before the write may carry pre-write data
			c.cancelLocked(e)
			targets = append(targets, e)
		}
	}
	c.mu.Unlock()
	if len(targets) == 0 {
		return nil
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(c.cfg.Workers)
	for _, e := range targets {
		p.Go(func(ctx context.Context) error {
			c.mu.Lock()
			pending := c.spawnLocked(e)
			c.mu.Unlock()
			select {
			case <-pending.done:
				if pending.discarded {
					return nil
				}
				return pending.err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return p.Wait()
}

// Subscribe calls fn after every write to key and returns an unsubscribe func.
func (c *Cache) Subscribe(key Key, fn func(Entry)) func() {
	if fn == nil {
		return func() {}
	}
	id := key.id()
	c.mu.Lock()
	if c.listeners[id] == nil {
		c.listeners[id] = make(map[int]func(Entry))
	}
	n := c.nextID
	c.nextID++
	c.listeners[id][n] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners[id], n)
		if len(c.listeners[id]) == 0 {
			delete(c.listeners, id)
		}
		c.mu.Unlock()
	}
}

func (c *Cache) listenersLocked(key Key) []func(Entry) {
	set := c.listeners[key.id()]
	if len(set) == 0 {
		return nil
	}
	fns := make([]func(Entry), 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	return fns
}

// Observe registers an active query for key: it fetches when data is missing
// or stale and, with a PollInterval, refetches on every tick unless the key is
// live or the query is disabled. The returned func stops observing.
func (c *Cache) Observe(key Key, fetch Fetcher, opts Options) func() {
	opts = c.resolve(opts)
	c.mu.Lock()
	e := c.entryLocked(key)
	if fetch != nil {
		e.fetch, e.opts = fetch, opts
	}
	e.observers++
	if e.fetch != nil && enabled(opts) && c.staleLocked(e, opts) {
		c.spawnLocked(e)
	}
	if opts.PollInterval > 0 && (e.pollEvery == 0 || opts.PollInterval < e.pollEvery) {
		c.stopPollLocked(e)
		e.pollEvery = opts.PollInterval
	}
	c.startPollLocked(e)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			cur, ok := c.entries[key.id()]
			if !ok || cur != e || e.observers == 0 {
				return
			}
			e.observers--
			if e.observers == 0 {
				c.stopPollLocked(e)
				e.pollEvery = 0
			}
		})
	}
}

// startPollLocked runs one poller per entry at its shortest observed interval.
func (c *Cache) startPollLocked(e *entry) {
	if e.pollCancel != nil || e.pollEvery <= 0 || c.closing || c.ctx == nil {
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	e.pollCancel = cancel
	key, interval := e.key.clone(), e.pollEvery
	c.work.Go(func() { c.poll(ctx, key, interval) })
}

func (c *Cache) stopPollLocked(e *entry) {
	if e.pollCancel != nil {
		e.pollCancel()
		e.pollCancel = nil
	}
}

func (c *Cache) poll(ctx context.Context, key Key, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx, key)
		}
	}
}

func (c *Cache) tick(ctx context.Context, key Key) {
	c.mu.Lock()
	e, ok := c.entries[key.id()]
	if !ok || e.fetch == nil || !enabled(e.opts) {
		c.mu.Unlock()
		return
	}
	if e.live {
		c.mu.Unlock()
		c.metrics.skipped(ctx, key)
		return
	}
	c.spawnLocked(e)
	c.mu.Unlock()
}

// Resume restarts pollers stopped by Teardown and refetches every observed
// query that is enabled and missing, stale or failed. Wire it to
// authentication so gated queries start after login.
func (c *Cache) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.observers == 0 {
			continue
		}
		c.startPollLocked(e)
		if e.fetch == nil || !enabled(e.opts) {
			continue
		}
		if e.err != nil || c.staleLocked(e, e.opts) {
			c.spawnLocked(e)
		}
	}
}

// Keys lists every key currently holding data.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]Key, 0, len(c.entries))
	for _, e := range c.entries {
		if e.present {
			keys = append(keys, e.key.clone())
		}
	}
	return keys
}
