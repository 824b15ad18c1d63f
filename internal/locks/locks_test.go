package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryLock_NeverQueues(t *testing.T) {
	var l TryLock
	if !l.TryAcquire() {
		t.Fatal("first TryAcquire should succeed")
	}
	if l.TryAcquire() {
		t.Error("second TryAcquire should fail while held")
	}
	if !l.Held() {
		t.Error("Held() = false, want true")
	}
	l.Release()
	if l.Held() {
		t.Error("Held() = true after Release")
	}
	if !l.TryAcquire() {
		t.Error("TryAcquire after Release should succeed")
	}
}

func TestTryLock_ConcurrentSingleWinner(t *testing.T) {
	var l TryLock
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := wins.Load(); n != 1 {
		t.Errorf("winners = %d, want 1", n)
	}
}

func TestReentrant_RequiresOwner(t *testing.T) {
	r := NewReentrant()
	if err := r.Acquire(context.Background()); !errors.Is(err, ErrNoOwner) {
		t.Errorf("Acquire without owner: err = %v, want ErrNoOwner", err)
	}
}

func TestReentrant_AcquireTwiceReleaseTwice(t *testing.T) {
	r := NewReentrant()
	a := WithOwner(context.Background())
	b := WithOwner(context.Background())

	if err := r.Acquire(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Acquire(a); err != nil {
		t.Fatalf("reentrant acquire: %v", err)
	}
	if d := r.Depth(); d != 2 {
		t.Fatalf("depth = %d, want 2", d)
	}

	if err := r.Release(a); err != nil {
		t.Fatal(err)
	}

	// Still held after one release: b must not get it.
	short, cancel := context.WithTimeout(b, 30*time.Millisecond)
	err := r.Acquire(short)
	cancel()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("b acquired while a still held the lock: err = %v", err)
	}

	if err := r.Release(a); err != nil {
		t.Fatal(err)
	}
	if d := r.Depth(); d != 0 {
		t.Fatalf("depth = %d, want 0", d)
	}
	if err := r.Acquire(b); err != nil {
		t.Fatalf("b acquire after full release: %v", err)
	}
	_ = r.Release(b)
}

func TestReentrant_NonOwnerReleaseFails(t *testing.T) {
	r := NewReentrant()
	a := WithOwner(context.Background())
	b := WithOwner(context.Background())

	if err := r.Acquire(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Acquire(a); err != nil {
		t.Fatal(err)
	}

	err := r.Release(b)
	if !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Release by non-owner: err = %v, want ErrNotOwner", err)
	}
	if d := r.Depth(); d != 2 {
		t.Errorf("depth changed by failed release: got %d, want 2", d)
	}
}

func TestReentrant_ReleaseFreeLock(t *testing.T) {
	r := NewReentrant()
	if err := r.Release(WithOwner(context.Background())); !errors.Is(err, ErrNotOwner) {
		t.Errorf("err = %v, want ErrNotOwner", err)
	}
}

func TestReentrant_WithOwnerKeepsExistingToken(t *testing.T) {
	a := WithOwner(context.Background())
	if OwnerOf(WithOwner(a)) != OwnerOf(a) {
		t.Error("WithOwner replaced an existing owner token")
	}
	if OwnerOf(a) == OwnerOf(WithOwner(context.Background())) {
		t.Error("two fresh owners share a token")
	}
}

func TestReentrant_DoNested(t *testing.T) {
	r := NewReentrant()
	ctx := WithOwner(context.Background())

	var depthInside int
	err := r.Do(ctx, func(ctx context.Context) error {
		return r.Do(ctx, func(ctx context.Context) error {
			depthInside = r.Depth()
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if depthInside != 2 {
		t.Errorf("depth inside nested Do = %d, want 2", depthInside)
	}
	if r.Depth() != 0 {
		t.Errorf("depth after Do = %d, want 0", r.Depth())
	}
}

func TestReentrant_MutualExclusion(t *testing.T) {
	r := NewReentrant()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := WithOwner(context.Background())
			_ = r.Do(ctx, func(ctx context.Context) error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if m := maxInside.Load(); m != 1 {
		t.Errorf("max concurrent holders = %d, want 1", m)
	}
}
