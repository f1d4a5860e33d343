package timer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ksaito/crewdesk/backend/internal/calendar"
	"github.com/ksaito/crewdesk/backend/internal/credential"
	"github.com/ksaito/crewdesk/backend/internal/model"
)

// provisionalEventLength is the placeholder length of the calendar event
// created at start time; the real bounds are written at stop.
const provisionalEventLength = 30 * time.Minute

// Result is the outcome of a start or stop. The local session is always
// authoritative; SyncWarning carries a non-fatal description of a calendar
// sync that did not complete.
type Result struct {
	Session     *model.TimeLogSession `json:"session"`
	SyncWarning string                `json:"syncWarning,omitempty"`
}

// Manager governs the per-work-item timer state machine: at most one
// running session per work item, duration computed from the persisted start
// instant, and best-effort mirroring of sessions into the external
// calendar. Bridge and refresher may be nil, in which case sessions are
// tracked locally and sync is skipped.
type Manager struct {
	store  LogStore
	bridge calendar.EventBridge
	creds  *credential.Refresher

	now func() time.Time
}

// NewManager creates a Manager.
func NewManager(store LogStore, bridge calendar.EventBridge, creds *credential.Refresher) *Manager {
	return &Manager{
		store:  store,
		bridge: bridge,
		creds:  creds,
		now:    time.Now,
	}
}

// Start begins tracking the work item. A second start for an already
// running work item is rejected with ErrActiveSessionExists; it does not
// auto-stop the previous session.
//
// With syncWithCalendar set, a calendar event is created best-effort before
// the session is persisted; any calendar failure leaves the session
// starting normally with the warning attached. If the atomic insert then
// loses a race against a concurrent start, the just-created event is
// deleted again so no orphan is left behind.
func (m *Manager) Start(ctx context.Context, workItemID, userID string, syncWithCalendar bool) (*Result, error) {
	existing, err := m.store.FindActive(ctx, workItemID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("work item %s: %w", workItemID, ErrActiveSessionExists)
	}

	session := &model.TimeLogSession{
		ID:         uuid.NewString(),
		WorkItemID: workItemID,
		UserID:     userID,
		StartedAt:  m.now(),
	}

	var warning string
	if syncWithCalendar {
		session.RemoteEventRef, warning = m.createRemoteEvent(ctx, session)
	}

	if err := m.store.InsertActive(ctx, session); err != nil {
		if errors.Is(err, ErrActiveSessionExists) && session.RemoteEventRef != "" {
			m.compensateCreate(ctx, userID, session.RemoteEventRef)
		}
		return nil, err
	}

	return &Result{Session: session, SyncWarning: warning}, nil
}

// Stop ends the session, computing the duration from the persisted start
// instant so that long-running sessions survive process restarts. The local
// record is completed regardless of the remote outcome; calendar failures
// surface only as the result's SyncWarning.
func (m *Manager) Stop(ctx context.Context, sessionID, description string, billable bool, syncWithCalendar bool) (*Result, error) {
	session, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Active() {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	endedAt := m.now()
	minutes := roundedMinutes(session.StartedAt, endedAt)

	updated, err := m.store.CompleteSession(ctx, sessionID, endedAt, minutes, description, billable)
	if err != nil {
		return nil, err
	}

	var warning string
	if syncWithCalendar && updated.RemoteEventRef != "" {
		warning = m.updateRemoteEvent(ctx, updated)
	}

	return &Result{Session: updated, SyncWarning: warning}, nil
}

// ActiveSession returns the running session for the work item, or nil.
func (m *Manager) ActiveSession(ctx context.Context, workItemID string) (*model.TimeLogSession, error) {
	return m.store.FindActive(ctx, workItemID)
}

// ListByWorkItem returns all sessions recorded for the work item.
func (m *Manager) ListByWorkItem(ctx context.Context, workItemID string) ([]model.TimeLogSession, error) {
	return m.store.ListByWorkItem(ctx, workItemID)
}

// ElapsedMinutes derives the live duration of a session at the given
// instant from its persisted start. Pure; safe to call at any frequency.
func ElapsedMinutes(session *model.TimeLogSession, at time.Time) int {
	if session.EndedAt != nil {
		at = *session.EndedAt
	}
	return roundedMinutes(session.StartedAt, at)
}

func roundedMinutes(start, end time.Time) int {
	return int(math.Round(end.Sub(start).Minutes()))
}

// createRemoteEvent creates the mirroring calendar event for a starting
// session. Returns the remote id and a warning; both may be empty. A
// missing credential skips sync silently — the user simply has no calendar
// connected.
func (m *Manager) createRemoteEvent(ctx context.Context, session *model.TimeLogSession) (string, string) {
	if m.bridge == nil || m.creds == nil {
		return "", ""
	}

	// The remote call may outlive an abandoned request; its outcome only
	// affects the optional event ref, never the local record.
	ctx = context.WithoutCancel(ctx)

	token, err := m.creds.AccessToken(ctx, session.UserID)
	if err != nil {
		return "", syncWarningFor(err)
	}

	ev := calendar.Event{
		Title: fmt.Sprintf("Work session: %s", session.WorkItemID),
		Start: session.StartedAt,
		End:   session.StartedAt.Add(provisionalEventLength),
	}

	remoteID, err := m.bridge.CreateEvent(ctx, token, ev)
	if err != nil {
		log.Printf("calendar event create failed for session %s: %v", session.ID, err)
		return "", syncWarningFor(err)
	}
	return remoteID, ""
}

// updateRemoteEvent rewrites the mirroring event with the final bounds. A
// remote event deleted externally clears the local link so the next sync
// starts fresh instead of failing the same update forever.
func (m *Manager) updateRemoteEvent(ctx context.Context, session *model.TimeLogSession) string {
	if m.bridge == nil || m.creds == nil {
		return ""
	}

	ctx = context.WithoutCancel(ctx)

	token, err := m.creds.AccessToken(ctx, session.UserID)
	if err != nil {
		return syncWarningFor(err)
	}

	title := session.Description
	if title == "" {
		title = fmt.Sprintf("Work session: %s", session.WorkItemID)
	}
	ev := calendar.Event{
		Title:       title,
		Description: session.Description,
		Start:       session.StartedAt,
		End:         *session.EndedAt,
	}

	if err := m.bridge.UpdateEvent(ctx, token, session.RemoteEventRef, ev); err != nil {
		if errors.Is(err, calendar.ErrEventGone) {
			if clearErr := m.store.ClearRemoteRef(ctx, session.ID); clearErr != nil {
				log.Printf("failed to clear remote event ref for session %s: %v", session.ID, clearErr)
			}
			session.RemoteEventRef = ""
			return "linked calendar event was deleted externally; link removed"
		}
		log.Printf("calendar event update failed for session %s: %v", session.ID, err)
		return syncWarningFor(err)
	}
	return ""
}

// compensateCreate removes a calendar event created for a start that lost
// the insert race. Best-effort; a leftover event is logged, not surfaced.
func (m *Manager) compensateCreate(ctx context.Context, userID, remoteID string) {
	ctx = context.WithoutCancel(ctx)

	token, err := m.creds.AccessToken(ctx, userID)
	if err != nil {
		log.Printf("cannot delete orphaned calendar event %s: %v", remoteID, err)
		return
	}
	if err := m.bridge.DeleteEvent(ctx, token, remoteID); err != nil {
		log.Printf("failed to delete orphaned calendar event %s: %v", remoteID, err)
	}
}

// syncWarningFor maps a calendar or credential failure to the non-fatal
// warning attached to start/stop results. A missing credential is not a
// warning: sync is simply not available for the user.
func syncWarningFor(err error) string {
	switch {
	case errors.Is(err, credential.ErrNotConnected):
		return ""
	case errors.Is(err, credential.ErrReauthorizationRequired):
		return "calendar connection expired; reconnect your calendar account"
	default:
		return "calendar sync did not complete; the time log was saved"
	}
}
