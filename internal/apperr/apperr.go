// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError is returned when GitHub rejects a call because the API
// quota is exhausted. ResetAt is when the quota window reopens; callers
// must not retry before then.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github rate limit exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}

// AuthError indicates that the GitHub token was rejected (401/403 without a
// rate-limit signature). Retrying is pointless; the credential itself needs
// attention.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("github auth failed: %s", e.Message)
}

// UnavailableError covers upstream 5xx responses and transport-level
// failures. These are transient and safe to retry on the next cycle.
type UnavailableError struct {
	Status int
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("github unavailable (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("github unavailable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// MalformedDataError is returned when an upstream response parses but fails
// validation, e.g. an unknown date format in the contribution calendar.
type MalformedDataError struct {
	Field  string
	Reason string
}

func (e *MalformedDataError) Error() string {
	return fmt.Sprintf("malformed upstream data: %s: %s", e.Field, e.Reason)
}

// StorageError wraps a database failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err (or any error in its chain) is a
// RateLimitError.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// RateLimitReset extracts the reset time from a rate-limit error, or the
// zero time when err is not one.
func RateLimitReset(err error) time.Time {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.ResetAt
	}
	return time.Time{}
}

// IsAuthExpired reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthExpired(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsUnavailable reports whether err (or any error in its chain) is an
// UnavailableError.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// IsMalformed reports whether err (or any error in its chain) is a
// MalformedDataError.
func IsMalformed(err error) bool {
	var me *MalformedDataError
	return errors.As(err, &me)
}

// IsRetryable reports whether a later attempt could plausibly succeed
// without operator intervention: transient upstream outages and rate limits
// qualify, bad credentials and bad data do not.
func IsRetryable(err error) bool {
	return IsUnavailable(err) || IsRateLimited(err)
}
