// Package mutation runs writes against the backend with optimistic cache
// patches: snapshot, patch, call, then roll back on failure and invalidate on settle.
package mutation

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/coachpo/orchestrator/errs"
	"github.com/coachpo/orchestrator/internal/cache"
	"github.com/coachpo/orchestrator/internal/observability"
)

// Toast is a user-facing failure report.
type Toast struct {
	Op      string
	Message string
	Err     error
}

// Notifier receives failure toasts.
type Notifier func(Toast)

type patch struct {
	snapshot cache.Snapshot
	version  uint64
}

// Context carries the snapshots taken by OnMutate for a single run.
type Context struct {
	ID      string
	cache   *cache.Cache
	patches []patch
}

// Patch snapshots key (once per run) and writes fn(previous) to the cache.
func (mc *Context) Patch(key cache.Key, fn func(prev any, ok bool) any) uint64 {
	return mc.patch(key, func(prev any, ok bool) (any, bool) { return fn(prev, ok), true })
}

func (mc *Context) patch(key cache.Key, fn func(prev any, ok bool) (any, bool)) uint64 {
	snap, version := mc.cache.Swap(key, fn)
	if version == 0 {
		return 0
	}
	for i := range mc.patches {
		if mc.patches[i].snapshot.Key.Equal(key) {
			mc.patches[i].version = version
			return version
		}
	}
	mc.patches = append(mc.patches, patch{snapshot: snap, version: version})
	return version
}

// PatchValue is the typed form of Context.Patch. Keys without data of type V
// are left untouched so a patch never invents state. fn sees the value
// current at write time and must not call the cache. It reports whether the
// patch was applied.
func PatchValue[V any](mc *Context, key cache.Key, fn func(prev V) V) bool {
	return mc.patch(key, func(prev any, ok bool) (any, bool) {
		v, typed := prev.(V)
		if !ok || !typed {
			return nil, false
		}
		return fn(v), true
	}) != 0
}

// Snapshots returns the captured pre-patch state in patch order.
func (mc *Context) Snapshots() []cache.Snapshot {
	out := make([]cache.Snapshot, len(mc.patches))
	for i, p := range mc.patches {
		out[i] = p.snapshot
	}
	return out
}

// rollback restores every key still at the version this run wrote. Keys that
// moved on are left for the settle invalidation.
func (mc *Context) rollback() (restored, skipped int) {
	for i := len(mc.patches) - 1; i >= 0; i-- {
		p := mc.patches[i]
		if mc.cache.RestoreIf(p.snapshot, p.version) {
			restored++
			continue
		}
		skipped++
		observability.Log().Debug("rollback skipped, key advanced",
			observability.F("mutation", mc.ID), observability.F("key", p.snapshot.Key.String()))
	}
	return restored, skipped
}

// Mutation describes a backend write and its optimistic cache choreography.
type Mutation[Vars, R any] struct {
	Name  string
	Cache *cache.Cache
	Fn    func(ctx context.Context, vars Vars) (R, error)
	// Keys lists the cache keys the write affects: in-flight fetches for them
	// are cancelled before OnMutate and they are invalidated on settle.
	Keys      func(vars Vars) []cache.Key
	OnMutate  func(mc *Context, vars Vars)
	OnSuccess func(result R, vars Vars, mc *Context)
	OnError   func(err error, vars Vars, mc *Context)
	OnSettled func(result R, err error, vars Vars)
	Notify    Notifier

	pending atomic.Int64
}

// Pending reports how many runs are in flight.
func (m *Mutation[Vars, R]) Pending() int {
	return int(m.pending.Load())
}

// Run executes the mutation. The backend error, if any, is returned after
// rollback and reported through Notify.
func (m *Mutation[Vars, R]) Run(ctx context.Context, vars Vars) (R, error) {
	m.pending.Add(1)
	defer m.pending.Add(-1)

	var keys []cache.Key
	if m.Keys != nil {
		keys = m.Keys(vars)
	}
	mc := &Context{ID: uuid.NewString(), cache: m.Cache}
	for _, key := range keys {
		m.Cache.Cancel(key)
	}
	if m.OnMutate != nil {
		m.OnMutate(mc, vars)
	}

	result, err := m.Fn(ctx, vars)
	if err != nil {
		restored, skipped := mc.rollback()
		outcome := "rolled_back"
		if skipped > 0 {
			outcome = "rollback_skipped"
		}
		if restored == 0 && skipped == 0 {
			outcome = "error"
		}
		recordRun(ctx, m.Name, outcome)
		if m.OnError != nil {
			m.OnError(err, vars, mc)
		}
		if m.Notify != nil {
			m.Notify(Toast{Op: m.Name, Message: errs.UserMessage(err), Err: err})
		}
		observability.Log().Info("mutation failed",
			observability.F("mutation", m.Name), observability.F("id", mc.ID), observability.F("outcome", outcome), observability.F("err", err))
	} else {
		recordRun(ctx, m.Name, "success")
		if m.OnSuccess != nil {
			m.OnSuccess(result, vars, mc)
		}
	}

	if m.OnSettled != nil {
		m.OnSettled(result, err, vars)
	}
	// refetches keep running in the cache when ctx ends first
	if len(keys) > 0 {
		if invErr := m.Cache.Invalidate(ctx, keys...); invErr != nil {
			observability.Log().Debug("settle refetch failed", observability.F("mutation", m.Name), observability.F("err", invErr))
		}
	}
	return result, err
}
