package locks

import "errors"

var (
	// ErrNotOwner is returned when a reentrant lock is released by a caller that does not hold it.
	ErrNotOwner = errors.New("lock not held by caller")

	// ErrNoOwner is returned when a context carries no owner token (see WithOwner).
	ErrNoOwner = errors.New("context has no lock owner")
)
