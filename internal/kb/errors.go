package kb

import "errors"

var (
	ErrRebuildInProgress = errors.New("kb: rebuild already in progress")
	ErrNoDocuments       = errors.New("kb: source returned no documents")
	ErrCountMismatch     = errors.New("kb: stored chunk count does not match submitted chunks")
	ErrTooManySkipped    = errors.New("kb: too many embedding batches failed")
	ErrNoActiveVersion   = errors.New("kb: no active version")
	ErrIncompleteVersion = errors.New("kb: version has no completeness marker")
)
