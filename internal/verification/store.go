package verification

import (
	"context"
	"time"

	"verifid/internal/blobstore"
	id "verifid/pkg/domain"
)

// ListFilter narrows a tenant's session listing. Zero Limit means the store
// default.
type ListFilter struct {
	Status *Status
	Limit  int
	Offset int
}

// defaultListLimit caps unbounded listings.
const defaultListLimit = 50

// SessionStore persists verification sessions.
//
// Update is compare-and-swap on Version: the write succeeds only when the
// stored version still equals the session's loaded version, and on success
// the stored and in-memory versions both advance by one. Losers get
// sentinel.ErrVersionConflict and are expected to re-read and retry.
//
// Reads are tenant-scoped; a session belonging to another tenant is
// indistinguishable from one that does not exist.
type SessionStore interface {
	// Create inserts a new session. A live (non-terminal) session with the
	// same tenant and fingerprint fails with ErrDuplicateFingerprint.
	Create(ctx context.Context, session *Session) error

	Get(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID) (*Session, error)

	Update(ctx context.Context, session *Session) error

	// FindByFingerprint returns the live session for (tenant, fingerprint),
	// or ErrNotFound.
	FindByFingerprint(ctx context.Context, tenantID id.TenantID, fp blobstore.Fingerprint) (*Session, error)

	List(ctx context.Context, tenantID id.TenantID, filter ListFilter) ([]*Session, error)

	// ListExpired returns non-terminal sessions across all tenants whose
	// lifetime had elapsed at the given instant, oldest first.
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*Session, error)

	// ListTerminatedBefore returns terminal sessions last updated before the
	// cutoff, for retention processing.
	ListTerminatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error)

	// Delete removes a session row. Used only by data retention; live
	// sessions are never deleted.
	Delete(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID) error
}
