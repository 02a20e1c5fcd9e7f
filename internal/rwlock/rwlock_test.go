package rwlock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRWLock_ConcurrentReaders(t *testing.T) {
	l := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := l.RLock(ctx); err != nil {
			t.Fatalf("RLock() %d returned an unexpected error: %v", i, err)
		}
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.Lock(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the writer to wait on readers, got %v", err)
	}

	for i := 0; i < 5; i++ {
		l.RUnlock()
	}
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("expected Lock() to succeed once readers leave, got %v", err)
	}
	l.Unlock()
}

func TestRWLock_WriterExcludesReaders(t *testing.T) {
	l := New()
	ctx := context.Background()
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock() returned an unexpected error: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := l.RLock(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the reader to wait on the writer, got %v", err)
	}

	// The cancelled reader must leave no trace behind.
	l.Unlock()
	if err := l.RLock(ctx); err != nil {
		t.Fatalf("RLock() returned an unexpected error: %v", err)
	}
	l.RUnlock()
	if err := l.Lock(ctx); err != nil {
		t.Fatalf("Lock() returned an unexpected error after readers left: %v", err)
	}
	l.Unlock()
}

func TestRWLock_MutualExclusion(t *testing.T) {
	l := New()
	ctx := context.Background()

	var writers, readers atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := l.Lock(ctx); err != nil {
					return
				}
				if writers.Add(1) != 1 || readers.Load() != 0 {
					violations.Add(1)
				}
				writers.Add(-1)
				l.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := l.RLock(ctx); err != nil {
					return
				}
				readers.Add(1)
				if writers.Load() != 0 {
					violations.Add(1)
				}
				readers.Add(-1)
				l.RUnlock()
			}
		}()
	}
	wg.Wait()

	if n := violations.Load(); n != 0 {
		t.Errorf("observed %d exclusion violations", n)
	}
}
