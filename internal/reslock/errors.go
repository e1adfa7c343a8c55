package reslock

import "errors"

// Sentinel errors for lock manager operations (spec §7 taxonomy).
var (
	// ErrNotOwner is returned by Release when the caller does not hold
	// the lock it is trying to release (spec §4.2 Release algorithm step 1).
	ErrNotOwner = errors.New("reslock: caller is not the lock owner")

	// ErrTimedOut is returned by Acquire when a caller-supplied wait
	// timeout elapses before the resource becomes available.
	ErrTimedOut = errors.New("reslock: acquire timed out")

	// ErrInvalidPriority is returned when the caller passes a priority
	// outside the four enum values.
	ErrInvalidPriority = errors.New("reslock: invalid priority")
)
