package verification

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifid/internal/verification/stage"
	id "verifid/pkg/domain"
	dErrors "verifid/pkg/domain-errors"
	"verifid/pkg/platform/sentinel"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	tenant, err := id.ParseTenantID(uuid.NewString())
	require.NoError(t, err)
	return NewSession(tenant, Inputs{
		DocumentRef: "blob:doc",
		SelfieRef:   "blob:selfie",
		Fingerprint: "fp",
	}, time.Now(), 15*time.Minute)
}

func TestStatusTransitions(t *testing.T) {
	all := []Status{StatusPending, StatusInProgress, StatusAwaitingResult,
		StatusDecided, StatusFailed, StatusExpired}

	allowed := map[Status]map[Status]bool{
		StatusPending:        {StatusInProgress: true, StatusExpired: true},
		StatusInProgress:     {StatusAwaitingResult: true, StatusFailed: true, StatusExpired: true},
		StatusAwaitingResult: {StatusDecided: true, StatusFailed: true, StatusExpired: true},
		StatusDecided:        {},
		StatusFailed:         {},
		StatusExpired:        {},
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[from][to], from.CanTransition(to),
				"%s -> %s", from, to)
		}
	}

	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.False(t, StatusAwaitingResult.Terminal())
	assert.True(t, StatusDecided.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusExpired.Terminal())
}

func TestSessionTransitionTo(t *testing.T) {
	t.Run("legal forward path", func(t *testing.T) {
		s := newTestSession(t)
		now := time.Now()

		require.NoError(t, s.TransitionTo(StatusInProgress, now))
		require.NoError(t, s.TransitionTo(StatusAwaitingResult, now))
		require.NoError(t, s.TransitionTo(StatusDecided, now))
		assert.True(t, s.Terminal())
	})

	t.Run("skipping a state is an invariant violation", func(t *testing.T) {
		s := newTestSession(t)
		err := s.TransitionTo(StatusDecided, time.Now())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		assert.Equal(t, StatusPending, s.Status)
	})

	t.Run("terminal sessions refuse every move", func(t *testing.T) {
		s := newTestSession(t)
		require.NoError(t, s.TransitionTo(StatusExpired, time.Now()))
		err := s.TransitionTo(StatusInProgress, time.Now())
		require.ErrorIs(t, err, sentinel.ErrTerminal)
	})
}

func TestSessionAttempts(t *testing.T) {
	t.Run("attempt numbers increase and tokens rotate", func(t *testing.T) {
		s := newTestSession(t)
		now := time.Now()

		first, err := s.BeginAttempt(stage.Document, now)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Number)

		second, err := s.BeginAttempt(stage.Document, now)
		require.NoError(t, err)
		assert.Equal(t, 2, second.Number)
		assert.NotEqual(t, first.Token, second.Token)
	})

	t.Run("stale token results are discarded", func(t *testing.T) {
		s := newTestSession(t)
		now := time.Now()

		first, err := s.BeginAttempt(stage.Document, now)
		require.NoError(t, err)
		_, err = s.BeginAttempt(stage.Document, now)
		require.NoError(t, err)

		err = s.RecordStageResult(first.Token, stage.Result{
			Stage:   stage.Document,
			Outcome: stage.OutcomeSuccess,
		}, now)
		require.ErrorIs(t, err, sentinel.ErrStaleAttempt)
		assert.Empty(t, s.StageResult)
	})

	t.Run("current token result is recorded with the attempt number", func(t *testing.T) {
		s := newTestSession(t)
		now := time.Now()

		_, err := s.BeginAttempt(stage.Document, now)
		require.NoError(t, err)
		attempt, err := s.BeginAttempt(stage.Document, now)
		require.NoError(t, err)

		require.NoError(t, s.RecordStageResult(attempt.Token, stage.Result{
			Stage:      stage.Document,
			Outcome:    stage.OutcomeSuccess,
			Confidence: 0.9,
		}, now))
		res := s.StageResult[stage.Document]
		assert.Equal(t, 2, res.Attempt)
		assert.Equal(t, stage.OutcomeSuccess, res.Outcome)
	})

	t.Run("no new attempts after a terminal stage result", func(t *testing.T) {
		s := newTestSession(t)
		now := time.Now()

		attempt, err := s.BeginAttempt(stage.Document, now)
		require.NoError(t, err)
		require.NoError(t, s.RecordStageResult(attempt.Token, stage.Result{
			Stage:   stage.Document,
			Outcome: stage.OutcomeSuccess,
		}, now))

		_, err = s.BeginAttempt(stage.Document, now)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	t.Run("results after terminal session status are rejected", func(t *testing.T) {
		s := newTestSession(t)
		now := time.Now()

		attempt, err := s.BeginAttempt(stage.Liveness, now)
		require.NoError(t, err)
		require.NoError(t, s.TransitionTo(StatusExpired, now))

		err = s.RecordStageResult(attempt.Token, stage.Result{
			Stage:   stage.Liveness,
			Outcome: stage.OutcomeSuccess,
		}, now)
		require.ErrorIs(t, err, sentinel.ErrTerminal)
	})
}

func TestSessionSetDecision(t *testing.T) {
	decision := Decision{
		Verdict: VerdictApproved,
		Reasons: []string{"all stages passed"},
		StageSummary: map[stage.Stage]StageSummary{
			stage.Document: {Outcome: stage.OutcomeSuccess, Confidence: 0.9},
		},
		DecidedAt: time.Now(),
	}

	t.Run("decides from AWAITING_RESULT", func(t *testing.T) {
		s := newTestSession(t)
		now := time.Now()
		require.NoError(t, s.TransitionTo(StatusInProgress, now))
		require.NoError(t, s.TransitionTo(StatusAwaitingResult, now))

		require.NoError(t, s.SetDecision(decision, StatusDecided, now))
		assert.Equal(t, StatusDecided, s.Status)
		require.NotNil(t, s.Decision)
		assert.Equal(t, VerdictApproved, s.Decision.Verdict)
	})

	t.Run("decisions are never rewritten", func(t *testing.T) {
		s := newTestSession(t)
		now := time.Now()
		require.NoError(t, s.TransitionTo(StatusInProgress, now))
		require.NoError(t, s.TransitionTo(StatusAwaitingResult, now))
		require.NoError(t, s.SetDecision(decision, StatusDecided, now))

		err := s.SetDecision(Decision{Verdict: VerdictRejected, Reasons: []string{"x"}}, StatusDecided, now)
		require.Error(t, err)
		assert.Equal(t, VerdictApproved, s.Decision.Verdict)
	})

	t.Run("failed terminal status also carries the decision", func(t *testing.T) {
		s := newTestSession(t)
		now := time.Now()
		require.NoError(t, s.TransitionTo(StatusInProgress, now))
		require.NoError(t, s.TransitionTo(StatusAwaitingResult, now))

		rejected := Decision{Verdict: VerdictRejected, Reasons: []string{"document verification failed"}}
		require.NoError(t, s.SetDecision(rejected, StatusFailed, now))
		assert.Equal(t, StatusFailed, s.Status)
		require.NotNil(t, s.Decision)
	})

	t.Run("non-terminal target status is refused", func(t *testing.T) {
		s := newTestSession(t)
		now := time.Now()
		require.NoError(t, s.TransitionTo(StatusInProgress, now))

		err := s.SetDecision(decision, StatusInProgress, now)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		assert.Nil(t, s.Decision)
	})

	t.Run("empty reasons are refused", func(t *testing.T) {
		s := newTestSession(t)
		now := time.Now()
		require.NoError(t, s.TransitionTo(StatusInProgress, now))
		require.NoError(t, s.TransitionTo(StatusAwaitingResult, now))

		err := s.SetDecision(Decision{Verdict: VerdictApproved}, StatusDecided, now)
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func TestSessionClone(t *testing.T) {
	s := newTestSession(t)
	now := time.Now()
	attempt, err := s.BeginAttempt(stage.Document, now)
	require.NoError(t, err)
	require.NoError(t, s.RecordStageResult(attempt.Token, stage.Result{
		Stage:   stage.Document,
		Outcome: stage.OutcomeSuccess,
		Details: map[string]any{"document_type": "passport"},
	}, now))

	cp := s.Clone()
	cp.StageResult[stage.Document].Details["document_type"] = "id_card"
	cp.Attempts[stage.Face] = Attempt{Number: 9}

	assert.Equal(t, "passport", s.StageResult[stage.Document].Details["document_type"])
	assert.NotContains(t, s.Attempts, stage.Face)
}

func TestSessionExpiredAt(t *testing.T) {
	now := time.Now()
	tenant, err := id.ParseTenantID(uuid.NewString())
	require.NoError(t, err)
	s := NewSession(tenant, Inputs{}, now, 15*time.Minute)

	assert.False(t, s.ExpiredAt(now))
	assert.False(t, s.ExpiredAt(now.Add(14*time.Minute)))
	assert.True(t, s.ExpiredAt(now.Add(15*time.Minute)))
	assert.True(t, s.ExpiredAt(now.Add(time.Hour)))
}
