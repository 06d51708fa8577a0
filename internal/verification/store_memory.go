package verification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"verifid/internal/blobstore"
	id "verifid/pkg/domain"
	"verifid/pkg/platform/sentinel"
)

// InMemoryStore keeps sessions in process memory. It honors the same CAS and
// idempotency semantics as the PostgreSQL store and backs tests and
// single-node wiring.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*Session
	// byFingerprint indexes live sessions by tenant+fingerprint.
	byFingerprint map[fingerprintKey]id.SessionID
}

type fingerprintKey struct {
	tenant id.TenantID
	fp     blobstore.Fingerprint
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:      make(map[id.SessionID]*Session),
		byFingerprint: make(map[fingerprintKey]id.SessionID),
	}
}

func (s *InMemoryStore) Create(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fingerprintKey{tenant: session.TenantID, fp: session.Inputs.Fingerprint}
	if existingID, ok := s.byFingerprint[key]; ok {
		if existing := s.sessions[existingID]; existing != nil && !existing.Terminal() {
			return fmt.Errorf("%w: session %s", sentinel.ErrDuplicateFingerprint, existingID)
		}
	}
	if _, exists := s.sessions[session.ID]; exists {
		return fmt.Errorf("%w: session %s", sentinel.ErrDuplicateFingerprint, session.ID)
	}

	s.sessions[session.ID] = session.Clone()
	s.byFingerprint[key] = session.ID
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, tenantID id.TenantID, sessionID id.SessionID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.TenantID != tenantID {
		return nil, sentinel.ErrNotFound
	}
	return session.Clone(), nil
}

func (s *InMemoryStore) Update(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sessions[session.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if stored.Version != session.Version {
		return fmt.Errorf("%w: session %s at version %d, write carried %d",
			sentinel.ErrVersionConflict, session.ID, stored.Version, session.Version)
	}
	session.Version++
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *InMemoryStore) Delete(_ context.Context, tenantID id.TenantID, sessionID id.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok || session.TenantID != tenantID {
		return sentinel.ErrNotFound
	}
	key := fingerprintKey{tenant: session.TenantID, fp: session.Inputs.Fingerprint}
	if s.byFingerprint[key] == sessionID {
		delete(s.byFingerprint, key)
	}
	delete(s.sessions, sessionID)
	return nil
}

func (s *InMemoryStore) FindByFingerprint(_ context.Context, tenantID id.TenantID, fp blobstore.Fingerprint) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, ok := s.byFingerprint[fingerprintKey{tenant: tenantID, fp: fp}]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	session, ok := s.sessions[sessionID]
	if !ok || session.Terminal() {
		return nil, sentinel.ErrNotFound
	}
	return session.Clone(), nil
}

func (s *InMemoryStore) List(_ context.Context, tenantID id.TenantID, filter ListFilter) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Session
	for _, session := range s.sessions {
		if session.TenantID != tenantID {
			continue
		}
		if filter.Status != nil && session.Status != *filter.Status {
			continue
		}
		matched = append(matched, session)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return clonePage(matched, filter.Offset, filter.Limit), nil
}

func (s *InMemoryStore) ListExpired(_ context.Context, asOf time.Time, limit int) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Session
	for _, session := range s.sessions {
		if !session.Terminal() && session.ExpiredAt(asOf) {
			matched = append(matched, session)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].ExpiresAt.Before(matched[j].ExpiresAt)
	})
	return clonePage(matched, 0, limit), nil
}

func (s *InMemoryStore) ListTerminatedBefore(_ context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Session
	for _, session := range s.sessions {
		if session.Terminal() && session.UpdatedAt.Before(cutoff) {
			matched = append(matched, session)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.Before(matched[j].UpdatedAt)
	})
	return clonePage(matched, 0, limit), nil
}

func clonePage(sessions []*Session, offset, limit int) []*Session {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if offset >= len(sessions) {
		return []*Session{}
	}
	end := offset + limit
	if end > len(sessions) {
		end = len(sessions)
	}
	page := make([]*Session, 0, end-offset)
	for _, session := range sessions[offset:end] {
		page = append(page, session.Clone())
	}
	return page
}
