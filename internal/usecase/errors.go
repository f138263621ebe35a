package usecase

import (
	"errors"
	"fmt"
	"net/http"

	"support-agent/internal/repository"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorTransient    ErrorCode = "TRANSIENT_INFRA"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether redelivering the triggering event may succeed.
func (e *Error) Retryable() bool {
	return e != nil && (e.Code == ErrorTransient || e.Code == ErrorRateLimited || e.Code == ErrorUpstream)
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// upstreamError classifies a collaborator failure. A 429 from the
// collaborator becomes RATE_LIMITED; anything else is UPSTREAM_ERROR.
func upstreamError(reason string, err error) *Error {
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) && status.HTTPStatusCode() == http.StatusTooManyRequests {
		return newError(ErrorRateLimited, reason+"_rate_limited", err)
	}
	return newError(ErrorUpstream, reason, err)
}

// storeError classifies a session store failure. Conflicts that survive the
// retry budget are transient: a redelivery re-reads and recomputes.
func storeError(reason string, err error) *Error {
	if errors.Is(err, repository.ErrConflict) {
		return newError(ErrorTransient, reason+"_conflict", err)
	}
	return newError(ErrorTransient, reason, err)
}

// IsRetryable reports whether err is a usecase error worth redelivering.
func IsRetryable(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	return err != nil
}
