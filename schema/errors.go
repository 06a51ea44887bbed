package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrStructuralViolation indicates a mutation would break a tree invariant.
	ErrStructuralViolation = errors.New("structural violation")
	// ErrStaleReference indicates a tab or container id is no longer present.
	ErrStaleReference = errors.New("stale reference")
	// ErrRequestFailed indicates the tab source rejected a request.
	ErrRequestFailed = errors.New("tab source request failed")
	// ErrIncompatibleDrop indicates a drop was rejected by the compatibility gate.
	ErrIncompatibleDrop = errors.New("incompatible drop")
	// ErrWindowNotFound indicates no view exists for the window.
	ErrWindowNotFound = errors.New("window not found")
	// ErrTabNotFound indicates the tab source does not know the tab.
	ErrTabNotFound = errors.New("tab not found")
	// ErrWaitTimeout indicates a tab did not finish loading in time.
	ErrWaitTimeout = errors.New("wait for tab timed out")
)
