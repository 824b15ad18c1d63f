package locks

import "sync/atomic"

// TryLock is a binary lock that never queues. A caller either takes it
// immediately or walks away. The zero value is an unlocked lock.
type TryLock struct {
	held atomic.Bool
}

// TryAcquire takes the lock if it is free and reports whether it did.
func (l *TryLock) TryAcquire() bool {
	return l.held.CompareAndSwap(false, true)
}

// Release frees the lock. Releasing a free lock is a no-op.
func (l *TryLock) Release() {
	l.held.Store(false)
}

// Held reports whether the lock is currently taken.
func (l *TryLock) Held() bool {
	return l.held.Load()
}
