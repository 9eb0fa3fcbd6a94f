// Package keylock provides an in-process mutex keyed by string.
// It is the per-user serialization primitive for single-instance deployments.
package keylock

import (
	"context"
	"sync"
)

// entry is a one-slot semaphore shared by every waiter on the same key.
type entry struct {
	slot chan struct{}
	refs int
}

// Mutex hands out exclusive access per key. Keys with no holders or waiters
// are dropped from the map, so memory follows the number of busy users.
type Mutex struct {
	mu   sync.Mutex
	keys map[string]*entry
}

// New creates an empty keyed mutex.
func New() *Mutex {
	return &Mutex{keys: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done.
// The returned func releases the key and must be called exactly once.
func (m *Mutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	e, ok := m.keys[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		m.keys[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			m.release(key, e)
		})
	}, nil
}

func (m *Mutex) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.keys, key)
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Mutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
