package calendar

import (
	"context"
	"fmt"
	"sync"
)

// MockBridge implements EventBridge using an in-memory map for testing and
// dev mode. Setting FailWith makes every call return that error, which lets
// tests exercise the best-effort paths in the timer manager.
type MockBridge struct {
	events   map[string]Event
	mu       sync.Mutex
	nextID   int
	FailWith error
}

// NewMockBridge creates an empty MockBridge.
func NewMockBridge() *MockBridge {
	return &MockBridge{events: make(map[string]Event)}
}

func (m *MockBridge) CreateEvent(ctx context.Context, accessToken string, ev Event) (string, error) {
	if m.FailWith != nil {
		return "", m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := fmt.Sprintf("evt-%d", m.nextID)
	m.events[id] = ev
	return id, nil
}

func (m *MockBridge) UpdateEvent(ctx context.Context, accessToken string, remoteID string, ev Event) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[remoteID]; !ok {
		return ErrEventGone
	}
	m.events[remoteID] = ev
	return nil
}

func (m *MockBridge) DeleteEvent(ctx context.Context, accessToken string, remoteID string) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Already gone counts as success.
	delete(m.events, remoteID)
	return nil
}

// Event returns the stored event and whether it exists.
func (m *MockBridge) Event(remoteID string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[remoteID]
	return ev, ok
}

// Len returns the number of stored events.
func (m *MockBridge) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
