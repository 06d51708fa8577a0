package verification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifid/internal/audit"
	id "verifid/pkg/domain"
	dErrors "verifid/pkg/domain-errors"
	"verifid/pkg/requestcontext"
)

type reviewEnv struct {
	store  *InMemoryStore
	audits *audit.InMemoryStore
	review *Review
	tenant id.TenantID
	ctx    context.Context
}

func newReviewEnv(t *testing.T) *reviewEnv {
	t.Helper()
	env := &reviewEnv{
		store:  NewInMemoryStore(),
		audits: audit.NewInMemoryStore(),
		tenant: mustTenant(t),
	}
	recorder := audit.NewRecorder(env.audits, discardTestLogger())
	env.review = NewReview(NewQuery(env.store), recorder)
	env.ctx = requestcontext.WithTenantID(context.Background(), env.tenant)
	return env
}

func (env *reviewEnv) seedDecided(t *testing.T, verdict Verdict) *Session {
	t.Helper()
	session := seedQuerySession(t, env.store, env.tenant)
	now := time.Now()
	require.NoError(t, session.TransitionTo(StatusInProgress, now))
	require.NoError(t, session.TransitionTo(StatusAwaitingResult, now))
	require.NoError(t, session.SetDecision(Decision{
		Verdict:   verdict,
		Reasons:   []string{"flagged for human confirmation"},
		DecidedAt: now,
	}, StatusDecided, now))
	require.NoError(t, env.store.Update(context.Background(), session))
	return session
}

func TestReviewRecord(t *testing.T) {
	env := newReviewEnv(t)
	session := env.seedDecided(t, VerdictManualReview)

	err := env.review.Record(env.ctx, session.ID, ReviewInput{
		Reviewer:   "analyst@acme.example",
		Assessment: VerdictApproved,
		Notes:      "hologram visible on resubmitted scan",
	})
	require.NoError(t, err)

	events, err := env.audits.ListBySession(context.Background(), env.tenant, session.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	event := events[0]
	assert.Equal(t, audit.EventReviewRecorded, event.Type)
	assert.Equal(t, "analyst@acme.example", event.Payload["reviewer"])
	assert.Equal(t, string(VerdictApproved), event.Payload["assessment"])
	assert.Equal(t, string(VerdictManualReview), event.Payload["engine_verdict"])

	// The engine's decision is immutable; a review never rewrites it.
	stored, err := env.store.Get(context.Background(), env.tenant, session.ID)
	require.NoError(t, err)
	assert.Equal(t, VerdictManualReview, stored.Decision.Verdict)
	assert.Equal(t, StatusDecided, stored.Status)
}

func TestReviewRecordValidation(t *testing.T) {
	env := newReviewEnv(t)
	session := env.seedDecided(t, VerdictManualReview)

	t.Run("blank reviewer", func(t *testing.T) {
		err := env.review.Record(env.ctx, session.ID, ReviewInput{Reviewer: "  ", Assessment: VerdictApproved})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("unknown assessment", func(t *testing.T) {
		err := env.review.Record(env.ctx, session.ID, ReviewInput{Reviewer: "analyst", Assessment: Verdict("MAYBE")})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeValidation))
	})

	t.Run("undecided session", func(t *testing.T) {
		pending := seedQuerySession(t, env.store, env.tenant)
		err := env.review.Record(env.ctx, pending.ID, ReviewInput{Reviewer: "analyst", Assessment: VerdictApproved})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeConflict))
	})

	t.Run("other tenant's session", func(t *testing.T) {
		ctx := requestcontext.WithTenantID(context.Background(), mustTenant(t))
		err := env.review.Record(ctx, session.ID, ReviewInput{Reviewer: "analyst", Assessment: VerdictApproved})
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}
