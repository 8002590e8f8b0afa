// Package keylock provides in-process mutual exclusion keyed by string.
//
// A Map hands out one lock per key. Holders of different keys never wait on
// each other; holders of the same key are served one at a time. Entries are
// reference counted and dropped once nobody holds or waits for them, so the
// map does not grow with the number of distinct keys ever seen.
package keylock

import (
	"context"
	"sync"
)

type entry struct {
	sem  chan struct{}
	refs int
}

// Map is a set of per-key locks. The zero value is ready to use.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Lock blocks until key is free or ctx is done. The returned unlock function
// releases the key; calling it more than once is a no-op.
func (m *Map) Lock(ctx context.Context, key string) (unlock func(), err error) {
	e := m.acquireEntry(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.releaseEntry(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.releaseEntry(key, e)
		})
	}, nil
}

// held reports whether key is currently locked or waited on.
func (m *Map) held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// size returns the number of keys currently tracked.
func (m *Map) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Map) acquireEntry(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Map) releaseEntry(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}
