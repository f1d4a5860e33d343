package calendar

import (
	"context"
	"time"
)

// Event carries the fields mirrored into the external calendar for one
// tracked session.
type Event struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// EventBridge performs create/update/delete of a single remote calendar
// event given a validated access token. Each operation is one remote call;
// there is no retry loop inside the bridge — retry policy belongs to the
// caller, and every call to the timer manager treats the bridge as
// best-effort.
type EventBridge interface {
	// CreateEvent creates a remote event and returns its identifier.
	CreateEvent(ctx context.Context, accessToken string, ev Event) (string, error)

	// UpdateEvent rewrites the remote event. Returns ErrEventGone when the
	// remote resource was deleted externally, so the caller can clear its
	// stale reference instead of retrying forever.
	UpdateEvent(ctx context.Context, accessToken string, remoteID string, ev Event) error

	// DeleteEvent removes the remote event. Deleting an already-deleted
	// event succeeds: deletion is idempotent.
	DeleteEvent(ctx context.Context, accessToken string, remoteID string) error
}
