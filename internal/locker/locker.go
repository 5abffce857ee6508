// Package locker serialises work per key, in one process or across instances.
package locker

import (
	"context"
	"sync"
	"time"
)

// Locker holds a keyed lock until the returned unlock func is called or ttl
// elapses. Lock waits until the lock is free or ctx is done.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Local is an in-process Locker. ttl is ignored: the holder always unlocks.
type Local struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*localLock)}
}

func (l *Local) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &localLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, lk)
		return nil, ctx.Err()
	}

	return func() {
		<-lk.ch
		l.release(key, lk)
	}, nil
}

func (l *Local) release(key string, lk *localLock) {
	l.mu.Lock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}
