// Package persistence defines the key/value contract shared by session storage backends.
package persistence

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("persistence: store closed")

// KV is a small string key/value store. Concrete implementations live in
// subpackages (sqlite, postgres) alongside the in-memory Memory store.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Memory is a process-scoped KV store.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
	closed bool
}

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	value, ok := m.values[key]
	return value, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.values[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(m.values, key)
	}
	return nil
}

// Keys lists the stored keys in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.values))
	for key := range m.values {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.values = nil
	m.mu.Unlock()
	return nil
}
