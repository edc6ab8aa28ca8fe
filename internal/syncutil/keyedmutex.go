// Package syncutil provides per-entity locking for services that must
// serialize operations on one invitation, pre-order or order while letting
// different entities proceed in parallel.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex hands out one context-aware mutex per key. Entries are
// reference counted and dropped when nobody holds or waits on them, so
// memory stays bounded by the number of in-flight keys. Distinct keys
// never share a lock, which makes holding two keys at once safe as long
// as every caller takes them in the same order.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function the caller MUST call.
// On cancellation it returns the context error and holds nothing.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquire(key)

	select {
	case <-l.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				l.ch <- struct{}{}
				m.release(key)
			})
		}, nil
	case <-ctx.Done():
		m.release(key)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquire(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		l.ch <- struct{}{} // Start unlocked.
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
