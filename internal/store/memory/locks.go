package memory

import (
	"context"
	"sync"
)

// keyedLocks hands out one mutex per key. Waiting for a key honours context
// cancellation.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyLock)}
}

func (k *keyedLocks) acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		k.drop(key, l)
		k.mu.Unlock()
		return ctx.Err()
	}
}

func (k *keyedLocks) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		return
	}
	<-l.ch
	k.drop(key, l)
}

func (k *keyedLocks) drop(key string, l *keyLock) {
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
