package verification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifid/internal/verification/stage"
)

var testDecisionConfig = DecisionConfig{
	FaceMatchThreshold: 0.6,
	LivenessThreshold:  0.9,
	BorderlineMargin:   0.1,
}

func success(st stage.Stage, confidence float64) stage.Result {
	return stage.Result{Stage: st, Outcome: stage.OutcomeSuccess, Confidence: confidence}
}

func TestDecide(t *testing.T) {
	now := time.Now()

	t.Run("strong match approves", func(t *testing.T) {
		d := Decide(testDecisionConfig, map[stage.Stage]stage.Result{
			stage.Document: success(stage.Document, 0.97),
			stage.Face:     success(stage.Face, 0.82),
			stage.Liveness: success(stage.Liveness, 0.95),
		}, now)

		assert.Equal(t, VerdictApproved, d.Verdict)
		require.Len(t, d.Reasons, 2)
		assert.Contains(t, d.Reasons[0], "face match")
		assert.Contains(t, d.Reasons[1], "liveness")
		assert.Len(t, d.StageSummary, 3)
	})

	t.Run("document failure rejects regardless of other stages", func(t *testing.T) {
		d := Decide(testDecisionConfig, map[stage.Stage]stage.Result{
			stage.Document: {Stage: stage.Document, Outcome: stage.OutcomeFailure,
				Class: stage.FailurePermanent, Reason: "document failed authenticity checks"},
			stage.Face:     success(stage.Face, 0.99),
			stage.Liveness: success(stage.Liveness, 0.99),
		}, now)

		assert.Equal(t, VerdictRejected, d.Verdict)
		require.Len(t, d.Reasons, 1)
		assert.Contains(t, d.Reasons[0], "document")
	})

	t.Run("document timeout rejects", func(t *testing.T) {
		d := Decide(testDecisionConfig, map[stage.Stage]stage.Result{
			stage.Document: {Stage: stage.Document, Outcome: stage.OutcomeTimeout},
			stage.Liveness: success(stage.Liveness, 0.95),
		}, now)

		assert.Equal(t, VerdictRejected, d.Verdict)
		require.Len(t, d.Reasons, 1)
		assert.Contains(t, d.Reasons[0], "document stage timed out")
	})

	t.Run("missing document rejects", func(t *testing.T) {
		d := Decide(testDecisionConfig, map[stage.Stage]stage.Result{}, now)
		assert.Equal(t, VerdictRejected, d.Verdict)
		assert.Contains(t, d.Reasons[0], "no result")
	})

	t.Run("borderline face goes to review naming the stage", func(t *testing.T) {
		d := Decide(testDecisionConfig, map[stage.Stage]stage.Result{
			stage.Document: success(stage.Document, 0.97),
			stage.Face:     success(stage.Face, 0.55),
			stage.Liveness: success(stage.Liveness, 0.95),
		}, now)

		assert.Equal(t, VerdictManualReview, d.Verdict)
		require.Len(t, d.Reasons, 1)
		assert.Contains(t, d.Reasons[0], "face match confidence 0.55")
	})

	t.Run("clearly low face rejects", func(t *testing.T) {
		d := Decide(testDecisionConfig, map[stage.Stage]stage.Result{
			stage.Document: success(stage.Document, 0.97),
			stage.Face:     success(stage.Face, 0.30),
			stage.Liveness: success(stage.Liveness, 0.95),
		}, now)

		assert.Equal(t, VerdictRejected, d.Verdict)
	})

	t.Run("threshold boundaries", func(t *testing.T) {
		// Exactly at threshold passes; exactly at the band's lower edge
		// is not borderline.
		d := Decide(testDecisionConfig, map[stage.Stage]stage.Result{
			stage.Document: success(stage.Document, 0.97),
			stage.Face:     success(stage.Face, 0.6),
			stage.Liveness: success(stage.Liveness, 0.9),
		}, now)
		assert.Equal(t, VerdictApproved, d.Verdict)

		d = Decide(testDecisionConfig, map[stage.Stage]stage.Result{
			stage.Document: success(stage.Document, 0.97),
			stage.Face:     success(stage.Face, 0.5),
			stage.Liveness: success(stage.Liveness, 0.95),
		}, now)
		assert.Equal(t, VerdictRejected, d.Verdict)
	})

	t.Run("one clear miss rejects even with another borderline", func(t *testing.T) {
		d := Decide(testDecisionConfig, map[stage.Stage]stage.Result{
			stage.Document: success(stage.Document, 0.97),
			stage.Face:     success(stage.Face, 0.55),
			stage.Liveness: success(stage.Liveness, 0.40),
		}, now)

		assert.Equal(t, VerdictRejected, d.Verdict)
		assert.Len(t, d.Reasons, 2)
	})

	t.Run("face timeout with passing liveness goes to review", func(t *testing.T) {
		d := Decide(testDecisionConfig, map[stage.Stage]stage.Result{
			stage.Document: success(stage.Document, 0.97),
			stage.Face:     {Stage: stage.Face, Outcome: stage.OutcomeTimeout},
			stage.Liveness: success(stage.Liveness, 0.95),
		}, now)

		assert.Equal(t, VerdictManualReview, d.Verdict)
		require.Len(t, d.Reasons, 1)
		assert.Contains(t, d.Reasons[0], "face stage timed out")
	})

	t.Run("missing liveness goes to review", func(t *testing.T) {
		d := Decide(testDecisionConfig, map[stage.Stage]stage.Result{
			stage.Document: success(stage.Document, 0.97),
			stage.Face:     success(stage.Face, 0.82),
		}, now)

		assert.Equal(t, VerdictManualReview, d.Verdict)
		assert.Contains(t, d.Reasons[0], "liveness stage produced no result")
	})

	t.Run("reasons are never empty", func(t *testing.T) {
		inputs := []map[stage.Stage]stage.Result{
			{},
			{stage.Document: success(stage.Document, 0.9)},
			{
				stage.Document: success(stage.Document, 0.9),
				stage.Face:     success(stage.Face, 0.1),
				stage.Liveness: success(stage.Liveness, 0.1),
			},
		}
		for _, results := range inputs {
			d := Decide(testDecisionConfig, results, now)
			assert.NotEmpty(t, d.Reasons)
		}
	})

	t.Run("deterministic for identical inputs", func(t *testing.T) {
		results := map[stage.Stage]stage.Result{
			stage.Document: success(stage.Document, 0.97),
			stage.Face:     success(stage.Face, 0.55),
			stage.Liveness: success(stage.Liveness, 0.95),
		}
		first := Decide(testDecisionConfig, results, now)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, Decide(testDecisionConfig, results, now))
		}
	})
}
