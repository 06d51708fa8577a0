package verification

import (
	"context"
	"errors"

	id "verifid/pkg/domain"
	dErrors "verifid/pkg/domain-errors"
	"verifid/pkg/platform/sentinel"
	"verifid/pkg/requestcontext"
)

// Query is the read side: tenant-scoped session snapshots and history.
// Another tenant's session is reported as not found, never as forbidden, so
// responses do not leak session existence across tenants.
type Query struct {
	store SessionStore
}

func NewQuery(store SessionStore) *Query {
	return &Query{store: store}
}

// GetSession returns the caller tenant's session snapshot.
func (q *Query) GetSession(ctx context.Context, sessionID id.SessionID) (*Session, error) {
	tenantID := requestcontext.TenantID(ctx)
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "no tenant in request context")
	}
	session, err := q.store.Get(ctx, tenantID, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load session")
	}
	return session, nil
}

// ListSessions returns a page of the caller tenant's sessions, newest first.
func (q *Query) ListSessions(ctx context.Context, filter ListFilter) ([]*Session, error) {
	tenantID := requestcontext.TenantID(ctx)
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "no tenant in request context")
	}
	if filter.Status != nil {
		switch *filter.Status {
		case StatusPending, StatusInProgress, StatusAwaitingResult, StatusDecided, StatusFailed, StatusExpired:
		default:
			return nil, dErrors.Newf(dErrors.CodeValidation, "unknown status %q", *filter.Status)
		}
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "limit and offset must be non-negative")
	}
	sessions, err := q.store.List(ctx, tenantID, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list sessions")
	}
	return sessions, nil
}
