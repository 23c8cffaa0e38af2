package engine

import (
	"sort"
	"sync"
)

// caseLocks serializes work per case id.
//
// Each id maps to a mutex that lives only while someone holds or waits for
// it. Multi-case operations lock in sorted id order, so two operations over
// overlapping case sets cannot deadlock.
type caseLocks struct {
	mu    sync.Mutex
	locks map[string]*caseLock
}

type caseLock struct {
	mu   sync.Mutex
	refs int
}

func newCaseLocks() *caseLocks {
	return &caseLocks{locks: make(map[string]*caseLock)}
}

// lock acquires every id (deduplicated, sorted) and returns the release
// function.
func (l *caseLocks) lock(ids ...string) func() {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Strings(sorted)

	held := make([]*caseLock, 0, len(sorted))
	for _, id := range sorted {
		cl := l.acquire(id)
		cl.mu.Lock()
		held = append(held, cl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.release(sorted[i])
		}
	}
}

func (l *caseLocks) acquire(id string) *caseLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &caseLock{}
		l.locks[id] = cl
	}
	cl.refs++
	return cl
}

func (l *caseLocks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cl := l.locks[id]
	cl.refs--
	if cl.refs == 0 {
		delete(l.locks, id)
	}
}

// size returns the number of live lock entries.
func (l *caseLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
