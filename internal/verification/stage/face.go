package stage

import (
	"context"
	"fmt"
	"time"

	"verifid/internal/blobstore"
)

// FaceMatch is the raw output of the face comparison service: per-image face
// detection confidences plus the similarity score between the two faces.
type FaceMatch struct {
	DocumentFaceConfidence float64
	SelfieFaceConfidence   float64
	Similarity             float64
}

// FaceMatcher wraps the external face comparison service.
type FaceMatcher interface {
	Match(ctx context.Context, documentFace, selfie []byte) (FaceMatch, error)
}

// FaceRunner adapts the face matcher to the stage contract. The stage
// confidence blends detection quality on both images with the similarity
// score, weighted to keep a strong match on poor crops from passing alone.
type FaceRunner struct {
	matcher FaceMatcher
	blobs   blobstore.Store
}

func NewFaceRunner(matcher FaceMatcher, blobs blobstore.Store) *FaceRunner {
	return &FaceRunner{matcher: matcher, blobs: blobs}
}

func (r *FaceRunner) Stage() Stage { return Face }

func (r *FaceRunner) Run(ctx context.Context, in Input) Result {
	if in.FaceRegionRef == "" {
		return failure(Face, fmt.Errorf("%w: no face region from document stage", ErrMalformedInput))
	}
	docFace, err := r.blobs.Get(ctx, in.FaceRegionRef)
	if err != nil {
		return failure(Face, fmt.Errorf("%w: fetch face region: %v", ErrUnavailable, err))
	}
	selfie, err := r.blobs.Get(ctx, in.SelfieRef)
	if err != nil {
		return failure(Face, fmt.Errorf("%w: fetch selfie: %v", ErrUnavailable, err))
	}

	match, err := r.matcher.Match(ctx, docFace, selfie)
	if err != nil {
		return failure(Face, err)
	}

	overall := 0.4*match.DocumentFaceConfidence + 0.4*match.SelfieFaceConfidence + 0.2*match.Similarity
	return Result{
		Stage:      Face,
		Outcome:    OutcomeSuccess,
		Confidence: overall,
		Details: map[string]any{
			"match_score":              match.Similarity,
			"document_face_confidence": match.DocumentFaceConfidence,
			"selfie_face_confidence":   match.SelfieFaceConfidence,
		},
		CompletedAt: time.Now(),
	}
}

// MockFaceMatcher returns a fixed match after an optional latency.
type MockFaceMatcher struct {
	Latency time.Duration
	Output  FaceMatch
	Err     error
}

func (m MockFaceMatcher) Match(ctx context.Context, _, _ []byte) (FaceMatch, error) {
	select {
	case <-time.After(m.Latency):
	case <-ctx.Done():
		return FaceMatch{}, ctx.Err()
	}
	if m.Err != nil {
		return FaceMatch{}, m.Err
	}
	return m.Output, nil
}
