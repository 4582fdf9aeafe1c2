package vault

import (
	"sync"
)

// lockTable hands out one RW lock per record id and forgets it when unused.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	sync.RWMutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*recordLock)}
}

func (t *lockTable) acquire(id string) *recordLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[id]
	if !ok {
		l = &recordLock{}
		t.locks[id] = l
	}
	l.refs++
	return l
}

func (t *lockTable) release(id string, l *recordLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
}

// Lock takes the write lock for id and returns its release func.
func (t *lockTable) Lock(id string) func() {
	l := t.acquire(id)
	l.Lock()
	return func() {
		l.Unlock()
		t.release(id, l)
	}
}

// RLock takes the read lock for id and returns its release func.
func (t *lockTable) RLock(id string) func() {
	l := t.acquire(id)
	l.RLock()
	return func() {
		l.RUnlock()
		t.release(id, l)
	}
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
