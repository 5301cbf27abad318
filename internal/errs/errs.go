// Package errs contains sentinel errors shared by the repo, service and HTTP layers.
package errs

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique key conflict (e.g. a second bundle upload for a device).
	ErrAlreadyExists = errors.New("already exists")

	// ErrUnauthorized indicates a missing, malformed, invalid or expired credential.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidPhone indicates a phone number that fails normalization.
	ErrInvalidPhone = errors.New("invalid phone number")

	// ErrRateLimited indicates a code was requested again too soon.
	ErrRateLimited = errors.New("rate limited")

	// ErrCodeNotFound indicates there is no pending code for the phone, or it expired.
	ErrCodeNotFound = errors.New("verification code not found or expired")

	// ErrLocked indicates the pending code exhausted its attempts.
	ErrLocked = errors.New("verification locked")

	// ErrBadCode indicates the submitted code does not match.
	ErrBadCode = errors.New("bad verification code")

	// ErrInvalidKeyEncoding indicates key material that could not be decoded.
	ErrInvalidKeyEncoding = errors.New("invalid key encoding")
)

// RetryAfterError wraps a rejection that the client may retry after a delay.
type RetryAfterError struct {
	Err   error
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.After.Round(time.Second))
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter returns the wait carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var ra *RetryAfterError
	if errors.As(err, &ra) {
		return ra.After, true
	}
	return 0, false
}
