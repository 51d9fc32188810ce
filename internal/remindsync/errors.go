package remindsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrMisconfigured      = errors.New("misconfigured")
	ErrRemoteUnavailable  = errors.New("remote store unavailable")
	ErrRemoteConflict     = errors.New("remote version conflict")
	ErrRemoteUnauthorized = errors.New("remote credential rejected")
	ErrDispatchTimeout    = errors.New("dispatch timeout")
	ErrDownstreamRejected = errors.New("downstream rejected")
	ErrTransport          = errors.New("transport failure")
)

// ConflictError reports a rejected remote write: the file moved past the
// version captured at read time. The caller decides how to reconcile.
type ConflictError struct {
	ExpectedVersion string
	CurrentVersion  string
}

func (e *ConflictError) Error() string {
	if e.CurrentVersion != "" {
		return fmt.Sprintf("remote version conflict: expected %s, remote is at %s", e.ExpectedVersion, e.CurrentVersion)
	}
	return fmt.Sprintf("remote version conflict: expected %s", e.ExpectedVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRemoteConflict
}

// DownstreamError carries the non-2xx status the reminder webhook answered with.
type DownstreamError struct {
	StatusCode int
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("webhook rejected dispatch with status %d", e.StatusCode)
}

func (e *DownstreamError) Is(target error) bool {
	return target == ErrDownstreamRejected
}
