package engine

import (
	"sync"

	"greenmove/core"
)

// userLocks serializes work per user id. Entries are dropped once no
// goroutine holds or waits on them.
type userLocks struct {
	mu sync.Mutex
	m  map[core.UserID]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{m: make(map[core.UserID]*lockEntry)}
}

// lock blocks until user is free and returns the matching unlock func.
func (l *userLocks) lock(user core.UserID) func() {
	l.mu.Lock()
	e, ok := l.m[user]
	if !ok {
		e = &lockEntry{}
		l.m[user] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, user)
		}
		l.mu.Unlock()
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
