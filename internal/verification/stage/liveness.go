package stage

import (
	"context"
	"fmt"
	"time"

	"verifid/internal/blobstore"
)

// LivenessAnalysis is the raw output of the liveness service: an overall
// score plus the per-signal indicators that produced it.
type LivenessAnalysis struct {
	Score      float64
	Method     string
	Indicators map[string]float64
}

// LivenessDetector wraps the external liveness service.
type LivenessDetector interface {
	Detect(ctx context.Context, selfie []byte) (LivenessAnalysis, error)
}

// LivenessRunner adapts the liveness detector to the stage contract.
type LivenessRunner struct {
	detector LivenessDetector
	blobs    blobstore.Store
}

func NewLivenessRunner(detector LivenessDetector, blobs blobstore.Store) *LivenessRunner {
	return &LivenessRunner{detector: detector, blobs: blobs}
}

func (r *LivenessRunner) Stage() Stage { return Liveness }

func (r *LivenessRunner) Run(ctx context.Context, in Input) Result {
	selfie, err := r.blobs.Get(ctx, in.SelfieRef)
	if err != nil {
		return failure(Liveness, fmt.Errorf("%w: fetch selfie: %v", ErrUnavailable, err))
	}

	analysis, err := r.detector.Detect(ctx, selfie)
	if err != nil {
		return failure(Liveness, err)
	}

	return Result{
		Stage:      Liveness,
		Outcome:    OutcomeSuccess,
		Confidence: analysis.Score,
		Details: map[string]any{
			"method":     analysis.Method,
			"indicators": analysis.Indicators,
		},
		CompletedAt: time.Now(),
	}
}

// MockLivenessDetector returns a fixed analysis after an optional latency.
type MockLivenessDetector struct {
	Latency time.Duration
	Score   float64
	Err     error
}

func (m MockLivenessDetector) Detect(ctx context.Context, _ []byte) (LivenessAnalysis, error) {
	select {
	case <-time.After(m.Latency):
	case <-ctx.Done():
		return LivenessAnalysis{}, ctx.Err()
	}
	if m.Err != nil {
		return LivenessAnalysis{}, m.Err
	}
	return LivenessAnalysis{
		Score:  m.Score,
		Method: "passive",
		Indicators: map[string]float64{
			"texture_score":    m.Score,
			"reflection_score": m.Score,
		},
	}, nil
}
