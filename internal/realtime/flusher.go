package realtime

import (
	"sync"
	"time"

	"github.com/coachpo/orchestrator/internal/cache"
)

type pendingWrite struct {
	key   cache.Key
	value any
}

// Flusher coalesces stream updates and writes the latest value per key into
// the cache at most once per interval. A zero interval writes through.
type Flusher struct {
	cache    *cache.Cache
	interval time.Duration

	mu      sync.Mutex
	pending map[string]pendingWrite
	order   []string
	timer   *time.Timer
}

// NewFlusher constructs a Flusher writing into c.
func NewFlusher(c *cache.Cache, interval time.Duration) *Flusher {
	return &Flusher{cache: c, interval: interval, pending: make(map[string]pendingWrite)}
}

// Put records value as the latest state for key.
func (f *Flusher) Put(key cache.Key, value any) {
	if f.interval <= 0 {
		f.cache.Set(key, value)
		return
	}
	id := key.String()
	f.mu.Lock()
	if _, ok := f.pending[id]; !ok {
		f.order = append(f.order, id)
	}
	f.pending[id] = pendingWrite{key: key, value: value}
	if f.timer == nil {
		f.timer = time.AfterFunc(f.interval, f.Flush)
	}
	f.mu.Unlock()
}

// Latest returns the pending value for key, falling back to the cache.
func (f *Flusher) Latest(key cache.Key) (any, bool) {
	f.mu.Lock()
	if w, ok := f.pending[key.String()]; ok {
		f.mu.Unlock()
		return w.value, true
	}
	f.mu.Unlock()
	entry, ok := f.cache.Get(key)
	return entry.Value, ok
}

// Flush writes every pending value now.
func (f *Flusher) Flush() {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	writes := make([]pendingWrite, 0, len(f.order))
	for _, id := range f.order {
		writes = append(writes, f.pending[id])
	}
	f.pending = make(map[string]pendingWrite)
	f.order = nil
	f.mu.Unlock()

	for _, w := range writes {
		f.cache.Set(w.key, w.value)
	}
}

// latest is the typed form of Flusher.Latest.
func latest[V any](f *Flusher, key cache.Key) (V, bool) {
	var zero V
	raw, ok := f.Latest(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(V)
	return v, ok
}
