package store

import (
	"context"
	"sync"
)

// SessionLocker serializes writes for one session. Lock blocks until the
// session is free or ctx is done; the returned func releases it.
type SessionLocker interface {
	Lock(ctx context.Context, sessionID string) (unlock func(), err error)
}

// LocalSessionLocker is an in-process keyed mutex. Entries are reference
// counted and removed once no caller holds or waits on them.
type LocalSessionLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewLocalSessionLocker creates an empty in-process locker.
func NewLocalSessionLocker() *LocalSessionLocker {
	return &LocalSessionLocker{locks: make(map[string]*keyedLock)}
}

// Lock implements SessionLocker.
func (l *LocalSessionLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[sessionID]
	if !ok {
		kl = &keyedLock{sem: make(chan struct{}, 1)}
		l.locks[sessionID] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(sessionID, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.release(sessionID, kl)
		})
	}, nil
}

func (l *LocalSessionLocker) release(sessionID string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, sessionID)
	}
}

// size reports the number of tracked keys.
func (l *LocalSessionLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
