package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	id "verifid/pkg/domain"
)

// InMemoryStore keeps the trail in process memory, for tests and single-node
// wiring.
type InMemoryStore struct {
	mu        sync.RWMutex
	events    map[string]Event
	bySession map[id.SessionID][]string
	pending   map[string]struct{}

	// failAppends makes the next N appends fail, for fail-closed tests.
	failAppends int
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:    make(map[string]Event),
		bySession: make(map[id.SessionID][]string),
		pending:   make(map[string]struct{}),
	}
}

// FailNextAppends makes the next n Append calls return an error.
func (s *InMemoryStore) FailNextAppends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppends = n
}

func (s *InMemoryStore) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppends > 0 {
		s.failAppends--
		return fmt.Errorf("append event %s: store unavailable", event.EventID)
	}
	if _, exists := s.events[event.EventID]; exists {
		return fmt.Errorf("append event %s: duplicate event id", event.EventID)
	}
	s.events[event.EventID] = event
	s.bySession[event.SessionID] = append(s.bySession[event.SessionID], event.EventID)
	s.pending[event.EventID] = struct{}{}
	return nil
}

func (s *InMemoryStore) ListBySession(_ context.Context, tenantID id.TenantID, sessionID id.SessionID, limit, offset int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := append([]string(nil), s.bySession[sessionID]...)
	sort.Strings(ids)

	var trail []Event
	for _, eventID := range ids {
		event := s.events[eventID]
		if event.TenantID != tenantID {
			continue
		}
		trail = append(trail, event)
	}
	return pageEvents(trail, limit, offset), nil
}

func (s *InMemoryStore) PendingOutbox(_ context.Context, limit int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.pending))
	for eventID := range s.pending {
		ids = append(ids, eventID)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	events := make([]Event, 0, len(ids))
	for _, eventID := range ids {
		events = append(events, s.events[eventID])
	}
	return events, nil
}

func (s *InMemoryStore) MarkPublished(_ context.Context, eventIDs []string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, eventID := range eventIDs {
		delete(s.pending, eventID)
	}
	return nil
}

func (s *InMemoryStore) DeleteBySession(_ context.Context, tenantID id.TenantID, sessionID id.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []string
	for _, eventID := range s.bySession[sessionID] {
		if s.events[eventID].TenantID != tenantID {
			kept = append(kept, eventID)
			continue
		}
		delete(s.events, eventID)
		delete(s.pending, eventID)
	}
	if len(kept) == 0 {
		delete(s.bySession, sessionID)
	} else {
		s.bySession[sessionID] = kept
	}
	return nil
}

func pageEvents(events []Event, limit, offset int) []Event {
	if offset >= len(events) {
		return []Event{}
	}
	events = events[offset:]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return append([]Event(nil), events...)
}
