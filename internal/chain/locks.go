package chain

import (
	"context"
	"fmt"
	"sync"
)

// lockTable hands out one mutex per entity ID. Entries are reference
// counted and dropped once nobody holds or waits on them, so the table
// only grows with the number of entities being written concurrently.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*entityLock
}

type entityLock struct {
	// sem has capacity 1; holding the lock means a value is in the channel.
	sem  chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*entityLock)}
}

// acquire blocks until the entity lock is held or ctx is done. On success
// the caller must call the returned release exactly once.
func (t *lockTable) acquire(ctx context.Context, entityID string) (func(), error) {
	t.mu.Lock()
	l, ok := t.locks[entityID]
	if !ok {
		l = &entityLock{sem: make(chan struct{}, 1)}
		t.locks[entityID] = l
	}
	l.refs++
	t.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			t.unref(entityID, l)
		}, nil
	case <-ctx.Done():
		t.unref(entityID, l)
		return nil, fmt.Errorf("%w: waiting for entity %q: %w", ErrBusy, entityID, ctx.Err())
	}
}

func (t *lockTable) unref(entityID string, l *entityLock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, entityID)
	}
}

// size returns the number of live entries. Used by tests.
func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
