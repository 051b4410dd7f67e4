package ca

import (
	"context"
	"sync"
)

// NameLocks serializes issuances per certificate name within a process.
// The VersionCount gate only makes issuance idempotent for callers that do
// not race each other; callers that might are expected to take the name's
// lock first. The zero value is ready to use.
type NameLocks struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	sem  chan struct{}
	refs int
}

// Lock blocks until the lock for name is held or ctx ends. The returned
// function releases it and must be called exactly once.
func (l *NameLocks) Lock(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*nameLock)
	}
	nl, ok := l.locks[name]
	if !ok {
		nl = &nameLock{sem: make(chan struct{}, 1)}
		l.locks[name] = nl
	}
	nl.refs++
	l.mu.Unlock()

	select {
	case nl.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-nl.sem
				l.release(name, nl)
			})
		}, nil
	case <-ctx.Done():
		l.release(name, nl)
		return nil, ctx.Err()
	}
}

func (l *NameLocks) release(name string, nl *nameLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	nl.refs--
	if nl.refs == 0 {
		delete(l.locks, name)
	}
}

// held returns the number of names with a holder or waiter.
func (l *NameLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
