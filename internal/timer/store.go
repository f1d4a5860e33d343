package timer

import (
	"context"
	"time"

	"github.com/ksaito/crewdesk/backend/internal/model"
)

// LogStore persists time-log sessions and enforces the one-active-session
// invariant per work item.
type LogStore interface {
	// InsertActive persists a newly started session. The check for an
	// existing active session and the creation must be a single atomic
	// step; returns ErrActiveSessionExists when the work item already has
	// a running session.
	InsertActive(ctx context.Context, session *model.TimeLogSession) error

	// CompleteSession marks the session stopped, recording the end
	// instant, computed duration, description and billable flag. Returns
	// ErrSessionNotFound if the session does not exist or is already
	// stopped.
	CompleteSession(ctx context.Context, sessionID string, endedAt time.Time, durationMinutes int, description string, billable bool) (*model.TimeLogSession, error)

	// FindActive returns the running session for the work item, or nil
	// when there is none.
	FindActive(ctx context.Context, workItemID string) (*model.TimeLogSession, error)

	// FindByID returns the session with the given id. Returns
	// ErrSessionNotFound when it does not exist.
	FindByID(ctx context.Context, sessionID string) (*model.TimeLogSession, error)

	// ListByWorkItem returns all sessions recorded for the work item.
	ListByWorkItem(ctx context.Context, workItemID string) ([]model.TimeLogSession, error)

	// ClearRemoteRef removes the session's link to a remote calendar
	// event that no longer exists.
	ClearRemoteRef(ctx context.Context, sessionID string) error
}
