package timer

import "errors"

var (
	// ErrActiveSessionExists is returned when a start is attempted for a
	// work item that already has a running session.
	ErrActiveSessionExists = errors.New("work item already has an active session")

	// ErrSessionNotFound is returned when no active session matches the
	// given session id.
	ErrSessionNotFound = errors.New("active session not found")
)
