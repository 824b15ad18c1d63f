package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type ownerKey struct{}

// WithOwner returns a context that identifies its holder to reentrant locks.
// Go has no goroutine identity, so ownership travels with the context:
// every call made with the returned context (or a child of it) counts as
// the same owner. Contexts that already carry a token are returned as is.
func WithOwner(ctx context.Context) context.Context {
	if OwnerOf(ctx) != "" {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, uuid.NewString())
}

// OwnerOf returns the owner token carried by ctx, or "" if none.
func OwnerOf(ctx context.Context) string {
	id, _ := ctx.Value(ownerKey{}).(string)
	return id
}

// Reentrant is a mutual-exclusion lock that its current owner may acquire
// again without deadlocking. The underlying binary lock is only released
// once every Acquire has been matched by a Release.
type Reentrant struct {
	sem chan struct{}

	mu    sync.Mutex
	owner string
	depth int
}

// NewReentrant creates an unlocked reentrant lock.
func NewReentrant() *Reentrant {
	return &Reentrant{sem: make(chan struct{}, 1)}
}

// Acquire takes the lock for the owner carried by ctx. If that owner already
// holds it the recursion depth is incremented and Acquire returns at once.
// Otherwise it blocks until the lock is free or ctx is done.
func (r *Reentrant) Acquire(ctx context.Context) error {
	id := OwnerOf(ctx)
	if id == "" {
		return ErrNoOwner
	}

	r.mu.Lock()
	if r.depth > 0 && r.owner == id {
		r.depth++
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	r.owner = id
	r.depth = 1
	r.mu.Unlock()
	return nil
}

// Release undoes one Acquire. A release by anyone other than the current
// owner fails with ErrNotOwner and leaves the lock state untouched.
func (r *Reentrant) Release(ctx context.Context) error {
	id := OwnerOf(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.depth == 0 {
		return fmt.Errorf("%w: lock is free", ErrNotOwner)
	}
	if r.owner != id {
		return fmt.Errorf("%w: held by another owner", ErrNotOwner)
	}

	r.depth--
	if r.depth == 0 {
		r.owner = ""
		<-r.sem
	}
	return nil
}

// Depth returns the current recursion depth (0 when free).
func (r *Reentrant) Depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depth
}

// Do runs fn while holding the lock.
func (r *Reentrant) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := r.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if rerr := r.Release(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(ctx)
}
