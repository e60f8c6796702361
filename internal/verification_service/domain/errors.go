package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates that a requested verification does not exist.
	ErrNotFound = errors.New("verification not found")
	// ErrAccessDenied indicates the caller does not own the verification.
	ErrAccessDenied = errors.New("access denied")
	// ErrInsufficientCredit indicates the owner has neither balance nor free quota for the price.
	ErrInsufficientCredit = errors.New("insufficient credit")
	// ErrAccountNotFound indicates the owner has no account row.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidRequest indicates a malformed create request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict indicates a transition was attempted on a verification that already left pending.
	// The state machine absorbs it; callers never see it.
	ErrConflict = errors.New("verification already in a terminal state")
	// ErrTimeoutExceeded marks a poll session that hit its ceiling.
	ErrTimeoutExceeded = errors.New("poll ceiling exceeded")
)

// AuthError means the upstream rejected our credentials. Retrying does not help.
type AuthError struct {
	Upstream   string
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s rejected credentials (status %d): %v", e.Upstream, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream %s rejected credentials (status %d)", e.Upstream, e.StatusCode)
}

func (e *AuthError) Unwrap() error { return e.Err }

// CircuitOpenError means the call was not attempted because the breaker for Upstream is open.
type CircuitOpenError struct {
	Upstream   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit for upstream %s is open, retry in %s", e.Upstream, e.RetryAfter.Round(time.Second))
}

// UpstreamError means retries were exhausted or the upstream answered with a non-recoverable response.
type UpstreamError struct {
	Upstream   string
	StatusCode int // 0 for transport failures
	Message    string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream %s failed", e.Upstream)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" with status %d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err means "the upstream cannot serve right now, try again later".
func IsUnavailable(err error) bool {
	var openErr *CircuitOpenError
	var upErr *UpstreamError
	var authErr *AuthError
	return errors.As(err, &openErr) || errors.As(err, &upErr) || errors.As(err, &authErr)
}
