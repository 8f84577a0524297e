// Package lock provides per-key in-process mutual exclusion with bounded waits
// and a single-instance file lock for the daemon.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrLockTimeout is returned when a keyed lock cannot be acquired before the context ends.
var ErrLockTimeout = errors.New("lock wait timed out")

// MutexMap serializes work per key (one key per workflow execution).
// Entries are reference counted and dropped once no holder or waiter remains.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*keyedMutex
}

type keyedMutex struct {
	ch   chan struct{}
	refs int
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*keyedMutex),
	}
}

// Lock blocks until key is held. Prefer LockContext on request paths.
func (m *MutexMap) Lock(key string) {
	km := m.ref(key)
	km.ch <- struct{}{}
}

// LockContext acquires key or gives up when ctx is done.
func (m *MutexMap) LockContext(ctx context.Context, key string) error {
	km := m.ref(key)
	select {
	case km.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.unref(key, km)
		return fmt.Errorf("%w: %s: %w", ErrLockTimeout, key, ctx.Err())
	}
}

// TryLock acquires key only if it is free.
func (m *MutexMap) TryLock(key string) bool {
	km := m.ref(key)
	select {
	case km.ch <- struct{}{}:
		return true
	default:
		m.unref(key, km)
		return false
	}
}

func (m *MutexMap) Unlock(key string) {
	m.mu.Lock()
	km, ok := m.mutexes[key]
	m.mu.Unlock()
	if !ok {
		panic("lock: unlock of unlocked key " + key)
	}
	select {
	case <-km.ch:
	default:
		panic("lock: unlock of unlocked key " + key)
	}
	m.unref(key, km)
}

// Len returns the number of keys currently held or waited on.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mutexes)
}

func (m *MutexMap) ref(key string) *keyedMutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	km, ok := m.mutexes[key]
	if !ok {
		km = &keyedMutex{ch: make(chan struct{}, 1)}
		m.mutexes[key] = km
	}
	km.refs++
	return km
}

func (m *MutexMap) unref(key string, km *keyedMutex) {
	m.mu.Lock()
	defer m.mu.Unlock()

	km.refs--
	if km.refs == 0 {
		delete(m.mutexes, key)
	}
}
