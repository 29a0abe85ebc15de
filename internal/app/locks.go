package app

import (
	"context"
	"sync"
)

// jobLocks serializes invocations of the same job within this process.
// Across processes the store's version check catches a second writer.
type jobLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newJobLocks() *jobLocks {
	return &jobLocks{held: map[string]chan struct{}{}}
}

// lock waits until id is free or ctx is done
func (l *jobLocks) lock(ctx context.Context, id string) (func(), error) {
	for {
		unlock, ok, wait := l.acquire(id)
		if ok {
			return unlock, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *jobLocks) tryLock(id string) (func(), bool) {
	unlock, ok, _ := l.acquire(id)
	return unlock, ok
}

func (l *jobLocks) acquire(id string) (func(), bool, <-chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if wait, busy := l.held[id]; busy {
		return nil, false, wait
	}
	done := make(chan struct{})
	l.held[id] = done
	return func() {
		l.mu.Lock()
		delete(l.held, id)
		l.mu.Unlock()
		close(done)
	}, true, nil
}
