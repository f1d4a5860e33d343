package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ksaito/crewdesk/backend/internal/model"
)

// MemoryLogStore implements LogStore with in-memory maps, for tests and
// DEV_MODE. The mutex covers the check-and-create in InsertActive, giving
// the same atomicity the conditional write provides in DynamoDB.
type MemoryLogStore struct {
	sessions map[string]model.TimeLogSession
	active   map[string]string // work item id -> session id
	mu       sync.Mutex
}

// NewMemoryLogStore creates an empty MemoryLogStore.
func NewMemoryLogStore() *MemoryLogStore {
	return &MemoryLogStore{
		sessions: make(map[string]model.TimeLogSession),
		active:   make(map[string]string),
	}
}

func (s *MemoryLogStore) InsertActive(ctx context.Context, session *model.TimeLogSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.active[session.WorkItemID]; ok {
		return fmt.Errorf("work item %s: %w", session.WorkItemID, ErrActiveSessionExists)
	}
	s.active[session.WorkItemID] = session.ID
	s.sessions[session.ID] = *session
	return nil
}

func (s *MemoryLogStore) CompleteSession(ctx context.Context, sessionID string, endedAt time.Time, durationMinutes int, description string, billable bool) (*model.TimeLogSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.EndedAt != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	ended := endedAt
	mins := durationMinutes
	session.EndedAt = &ended
	session.DurationMinutes = &mins
	session.Description = description
	session.Billable = billable
	s.sessions[sessionID] = session

	if s.active[session.WorkItemID] == sessionID {
		delete(s.active, session.WorkItemID)
	}

	return &session, nil
}

func (s *MemoryLogStore) FindActive(ctx context.Context, workItemID string) (*model.TimeLogSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[workItemID]
	if !ok {
		return nil, nil
	}
	session := s.sessions[id]
	return &session, nil
}

func (s *MemoryLogStore) FindByID(ctx context.Context, sessionID string) (*model.TimeLogSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	return &session, nil
}

func (s *MemoryLogStore) ListByWorkItem(ctx context.Context, workItemID string) ([]model.TimeLogSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []model.TimeLogSession
	for _, session := range s.sessions {
		if session.WorkItemID == workItemID {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

func (s *MemoryLogStore) ClearRemoteRef(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}
	session.RemoteEventRef = ""
	s.sessions[sessionID] = session
	return nil
}
