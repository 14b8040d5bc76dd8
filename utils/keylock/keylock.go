// Package keylock provides mutual exclusion scoped to a string key.
//
// Holders of different keys never contend with each other; the internal map
// lock is only held long enough to look up or reclaim a key's slot.
package keylock

import (
	"context"
	"sync"
)

type slot struct {
	sem  chan struct{}
	refs int // holders plus waiters
}

// Map is a set of independent locks keyed by string. The zero value is not
// usable; call New.
type Map struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func New() *Map {
	return &Map{slots: make(map[string]*slot)}
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// function releases the lock and must be called exactly once.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.sem
			m.unref(key, s)
		})
	}, nil
}

// Do runs fn while holding the lock for key.
func (m *Map) Do(ctx context.Context, key string, fn func() error) error {
	unlock, err := m.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

func (m *Map) unref(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 && m.slots[key] == s {
		delete(m.slots, key)
	}
}
