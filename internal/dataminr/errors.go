package dataminr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the outbound request queue. Both are surfaced to the
// requester immediately and are never retried silently; callers distinguish
// them from upstream failures with errors.Is.
var (
	// ErrQueueFull is returned when the request queue is at capacity on
	// enqueue. The request was dropped; the caller may retry later.
	ErrQueueFull = errors.New("dataminr: request queue full")

	// ErrQueueTimeout is returned when a queued request waited longer than
	// the configured queue timeout before dispatch.
	ErrQueueTimeout = errors.New("dataminr: request timed out in queue")
)

// ErrBadCredentials marks configuration errors: the token endpoint rejected
// the client id/secret, or a refreshed token was rejected again with 401.
// Polling refuses to start on this error and it is never retried.
var ErrBadCredentials = errors.New("dataminr: invalid credentials")

// StatusError is a non-success response from the vendor API after retries
// were exhausted or for statuses that are not retried at all.
type StatusError struct {
	// Status is the upstream HTTP status code.
	Status int
	// Body is a short diagnostic tail of the response body.
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("dataminr: upstream status %d: %s", e.Status, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == code
}
