package model

import "time"

// TimeLogSession represents one contiguous tracked interval of work on a
// work item. EndedAt == nil means the session is the active one for its
// work item; DurationMinutes is computed once at stop time.
type TimeLogSession struct {
	ID              string     `json:"id" dynamodbav:"id"`
	WorkItemID      string     `json:"workItemId" dynamodbav:"work_item_id"`
	UserID          string     `json:"userId" dynamodbav:"user_id"`
	StartedAt       time.Time  `json:"startedAt" dynamodbav:"started_at"`
	EndedAt         *time.Time `json:"endedAt,omitempty" dynamodbav:"ended_at,omitempty"`
	DurationMinutes *int       `json:"durationMinutes,omitempty" dynamodbav:"duration_minutes,omitempty"`
	Description     string     `json:"description,omitempty" dynamodbav:"description"`
	Billable        bool       `json:"billable" dynamodbav:"billable"`
	RemoteEventRef  string     `json:"remoteEventRef,omitempty" dynamodbav:"remote_event_ref"`
}

// Active reports whether the session is still running.
func (s *TimeLogSession) Active() bool {
	return s.EndedAt == nil
}

// ActiveTimer is the per-work-item marker row that enforces the
// one-active-session invariant via a conditional write.
type ActiveTimer struct {
	WorkItemID string    `json:"work_item_id" dynamodbav:"work_item_id"`
	SessionID  string    `json:"session_id" dynamodbav:"session_id"`
	UserID     string    `json:"user_id" dynamodbav:"user_id"`
	StartedAt  time.Time `json:"started_at" dynamodbav:"started_at"`
}

// CalendarCredential holds a user's external-calendar OAuth credentials.
// The refresh token is encrypted before it reaches the store; ExpiresAt is
// the access token's expiry instant.
type CalendarCredential struct {
	UserID                string    `json:"user_id" dynamodbav:"user_id"`
	AccessToken           string    `json:"access_token" dynamodbav:"access_token"`
	EncryptedRefreshToken string    `json:"encrypted_refresh_token" dynamodbav:"encrypted_refresh_token"`
	ExpiresAt             time.Time `json:"expires_at" dynamodbav:"expires_at"`
	UpdatedAt             time.Time `json:"updated_at" dynamodbav:"updated_at"`
}
