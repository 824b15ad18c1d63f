package assistant

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrEmptyReply     = errors.New("assistant: empty reply")
	ErrReplyFailed    = errors.New("assistant: model refused or failed to answer")
	ErrTooManyActions = errors.New("assistant: too many action rounds")
)

// APIError is a non-200 response from the chat completions endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat completions error %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the upstream asked us to slow down.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}
