package verification

import (
	"fmt"
	"time"

	"verifid/internal/verification/stage"
)

// DecisionConfig holds the tenant-tunable thresholds the decision engine
// evaluates against.
type DecisionConfig struct {
	FaceMatchThreshold float64
	LivenessThreshold  float64
	BorderlineMargin   float64
}

// Decide folds stage results into a verdict. It is a pure function: the same
// results and config always produce the same decision, and it never consults
// session state, clocks other than the supplied timestamp, or external
// services.
//
// Rules apply in fixed order; the first match wins:
//
//  1. Document missing, failed, or timed out: REJECTED.
//  2. Face and liveness both succeeded at or above threshold: APPROVED.
//  3. Face or liveness missing, failed, or timed out: MANUAL_REVIEW.
//  4. A confidence below threshold but inside the borderline band goes to
//     MANUAL_REVIEW; clearly below goes to REJECTED.
func Decide(cfg DecisionConfig, results map[stage.Stage]stage.Result, now time.Time) Decision {
	summary := make(map[stage.Stage]StageSummary, len(results))
	for st, res := range results {
		summary[st] = StageSummary{Outcome: res.Outcome, Confidence: res.Confidence}
	}

	doc, docOK := results[stage.Document]
	if !docOK || doc.Outcome != stage.OutcomeSuccess {
		return Decision{
			Verdict:      VerdictRejected,
			Reasons:      []string{stageShortfall(stage.Document, doc, docOK)},
			StageSummary: summary,
			DecidedAt:    now,
		}
	}

	face, faceOK := results[stage.Face]
	live, liveOK := results[stage.Liveness]
	facePassed := faceOK && face.Outcome == stage.OutcomeSuccess && face.Confidence >= cfg.FaceMatchThreshold
	livePassed := liveOK && live.Outcome == stage.OutcomeSuccess && live.Confidence >= cfg.LivenessThreshold
	if facePassed && livePassed {
		return Decision{
			Verdict: VerdictApproved,
			Reasons: []string{
				fmt.Sprintf("face match confidence %.2f met threshold %.2f", face.Confidence, cfg.FaceMatchThreshold),
				fmt.Sprintf("liveness confidence %.2f met threshold %.2f", live.Confidence, cfg.LivenessThreshold),
			},
			StageSummary: summary,
			DecidedAt:    now,
		}
	}

	var reasons []string
	if !faceOK || face.Outcome != stage.OutcomeSuccess {
		reasons = append(reasons, stageShortfall(stage.Face, face, faceOK))
	}
	if !liveOK || live.Outcome != stage.OutcomeSuccess {
		reasons = append(reasons, stageShortfall(stage.Liveness, live, liveOK))
	}
	if len(reasons) > 0 {
		return Decision{
			Verdict:      VerdictManualReview,
			Reasons:      reasons,
			StageSummary: summary,
			DecidedAt:    now,
		}
	}

	// Both succeeded but at least one confidence fell short. Every shortfall
	// must sit inside the borderline band for a human to see it; one clear
	// miss rejects outright.
	borderline := true
	if !facePassed {
		borderline = borderline && face.Confidence > cfg.FaceMatchThreshold-cfg.BorderlineMargin
		reasons = append(reasons, fmt.Sprintf("face match confidence %.2f below threshold %.2f", face.Confidence, cfg.FaceMatchThreshold))
	}
	if !livePassed {
		borderline = borderline && live.Confidence > cfg.LivenessThreshold-cfg.BorderlineMargin
		reasons = append(reasons, fmt.Sprintf("liveness confidence %.2f below threshold %.2f", live.Confidence, cfg.LivenessThreshold))
	}

	verdict := VerdictRejected
	if borderline {
		verdict = VerdictManualReview
	}
	return Decision{
		Verdict:      verdict,
		Reasons:      reasons,
		StageSummary: summary,
		DecidedAt:    now,
	}
}

func stageShortfall(st stage.Stage, res stage.Result, present bool) string {
	switch {
	case !present:
		return fmt.Sprintf("%s stage produced no result", st)
	case res.Outcome == stage.OutcomeTimeout:
		return fmt.Sprintf("%s stage timed out", st)
	default:
		if res.Reason != "" {
			return fmt.Sprintf("%s stage failed: %s", st, res.Reason)
		}
		return fmt.Sprintf("%s stage failed", st)
	}
}
