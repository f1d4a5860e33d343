package calendar

import (
	"errors"
)

var (
	// ErrService is returned on any non-success response from the external
	// calendar service, including timeouts. Transient; the local time log
	// is authoritative and unaffected.
	ErrService = errors.New("calendar service unavailable")

	// ErrEventGone is returned when the remote event no longer exists
	// (deleted externally).
	ErrEventGone = errors.New("remote event gone")
)
