// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"sync"
)

// KeyLock serializes work per string key. Each key gets its own
// channel-based mutex, created on first use and dropped once no goroutine
// holds or waits for it, so memory tracks the number of keys in flight.
// Distinct keys never contend.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyMutex
}

type keyMutex struct {
	ch   chan struct{}
	refs int
}

// NewKeyLock creates an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyMutex)}
}

// LockContext acquires the lock for key or returns ctx's error if ctx ends
// first. On success the caller must call the returned unlock func exactly
// once.
func (l *KeyLock) LockContext(ctx context.Context, key string) (func(), error) {
	m := l.acquireRef(key)

	select {
	case m.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-m.ch
				l.releaseRef(key)
			})
		}, nil
	case <-ctx.Done():
		l.releaseRef(key)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free.
func (l *KeyLock) TryLock(key string) (func(), bool) {
	m := l.acquireRef(key)
	select {
	case m.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-m.ch
				l.releaseRef(key)
			})
		}, true
	default:
		l.releaseRef(key)
		return nil, false
	}
}

// Len reports how many keys are currently held or awaited.
func (l *KeyLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *KeyLock) acquireRef(key string) *keyMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &keyMutex{ch: make(chan struct{}, 1)}
		l.locks[key] = m
	}
	m.refs++
	return m
}

func (l *KeyLock) releaseRef(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := l.locks[key]
	m.refs--
	if m.refs == 0 {
		delete(l.locks, key)
	}
}
