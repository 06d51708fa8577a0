package verification

import (
	"context"
	"sync"
	"time"

	"verifid/internal/blobstore"
	id "verifid/pkg/domain"
)

// IdempotencyGuard short-circuits concurrent duplicate submissions before
// they reach the database. The store's unique index remains the source of
// truth; the guard only cheapens the common race where a client retries a
// submission while the first request is still in flight.
type IdempotencyGuard interface {
	// Reserve claims (tenant, fingerprint) for the given session. It returns
	// the holding session's ID and false when another submission already
	// holds the claim.
	Reserve(ctx context.Context, tenantID id.TenantID, fp blobstore.Fingerprint, sessionID id.SessionID, ttl time.Duration) (id.SessionID, bool, error)

	// Release frees the claim, for submissions that failed before a session
	// was persisted.
	Release(ctx context.Context, tenantID id.TenantID, fp blobstore.Fingerprint) error
}

type idempotencyKey struct {
	tenant id.TenantID
	fp     blobstore.Fingerprint
}

type idempotencyClaim struct {
	sessionID id.SessionID
	expiresAt time.Time
}

// InMemoryIdempotencyGuard keeps claims in process memory.
type InMemoryIdempotencyGuard struct {
	mu     sync.Mutex
	claims map[idempotencyKey]idempotencyClaim
}

func NewInMemoryIdempotencyGuard() *InMemoryIdempotencyGuard {
	return &InMemoryIdempotencyGuard{claims: make(map[idempotencyKey]idempotencyClaim)}
}

func (g *InMemoryIdempotencyGuard) Reserve(_ context.Context, tenantID id.TenantID, fp blobstore.Fingerprint, sessionID id.SessionID, ttl time.Duration) (id.SessionID, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := idempotencyKey{tenant: tenantID, fp: fp}
	now := time.Now()
	if claim, ok := g.claims[key]; ok && now.Before(claim.expiresAt) {
		return claim.sessionID, false, nil
	}
	g.claims[key] = idempotencyClaim{sessionID: sessionID, expiresAt: now.Add(ttl)}
	return sessionID, true, nil
}

func (g *InMemoryIdempotencyGuard) Release(_ context.Context, tenantID id.TenantID, fp blobstore.Fingerprint) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.claims, idempotencyKey{tenant: tenantID, fp: fp})
	return nil
}
