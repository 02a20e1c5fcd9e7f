// Package rwlock provides a reader/writer lock whose acquisition can be
// cancelled through a context.
package rwlock

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// RWLock allows any number of concurrent readers or a single writer.
//
// A writer holds readSem for as long as it holds the lock, which keeps new
// readers out, and then waits for writeSem. The first reader in takes
// writeSem on behalf of every reader and the last one out releases it.
type RWLock struct {
	readSem  *semaphore.Weighted
	writeSem *semaphore.Weighted
	readers  atomic.Int64
}

func New() *RWLock {
	return &RWLock{
		readSem:  semaphore.NewWeighted(1),
		writeSem: semaphore.NewWeighted(1),
	}
}

// Lock acquires the lock for writing. If ctx is done first the lock is left
// untouched and ctx.Err() is returned.
func (l *RWLock) Lock(ctx context.Context) error {
	if err := l.readSem.Acquire(ctx, 1); err != nil {
		return err
	}
	if err := l.writeSem.Acquire(ctx, 1); err != nil {
		l.readSem.Release(1)
		return err
	}
	return nil
}

func (l *RWLock) Unlock() {
	l.writeSem.Release(1)
	l.readSem.Release(1)
}

// RLock acquires the lock for reading. If ctx is done first the lock is left
// untouched and ctx.Err() is returned.
func (l *RWLock) RLock(ctx context.Context) error {
	if err := l.readSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.readSem.Release(1)

	if l.readers.Add(1) == 1 {
		if err := l.writeSem.Acquire(ctx, 1); err != nil {
			l.readers.Add(-1)
			return err
		}
	}
	return nil
}

func (l *RWLock) RUnlock() {
	if l.readers.Add(-1) == 0 {
		l.writeSem.Release(1)
	}
}
