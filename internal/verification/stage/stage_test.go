package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifid/internal/blobstore"
)

func newBlobs(t *testing.T) *blobstore.InMemoryStore {
	t.Helper()
	blobs, err := blobstore.NewInMemoryStore()
	require.NoError(t, err)
	return blobs
}

func TestDocumentRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("valid document succeeds with face region", func(t *testing.T) {
		blobs := newBlobs(t)
		docRef, _, err := blobs.Put(ctx, []byte("document-image"))
		require.NoError(t, err)

		runner := NewDocumentRunner(MockDocumentAnalyzer{
			Valid:        true,
			Confidence:   0.93,
			DocumentType: "passport",
		}, blobs)
		require.Equal(t, Document, runner.Stage())

		res := runner.Run(ctx, Input{DocumentRef: docRef})
		require.Equal(t, OutcomeSuccess, res.Outcome)
		assert.Equal(t, 0.93, res.Confidence)
		assert.Equal(t, "passport", res.Details["document_type"])
		assert.True(t, res.Terminal())

		ref, ok := FaceRegionRef(res)
		require.True(t, ok)
		region, err := blobs.Get(ctx, ref)
		require.NoError(t, err)
		assert.NotEmpty(t, region)
	})

	t.Run("inauthentic document is a permanent failure", func(t *testing.T) {
		blobs := newBlobs(t)
		docRef, _, err := blobs.Put(ctx, []byte("forged"))
		require.NoError(t, err)

		runner := NewDocumentRunner(MockDocumentAnalyzer{Valid: false}, blobs)
		res := runner.Run(ctx, Input{DocumentRef: docRef})

		require.Equal(t, OutcomeFailure, res.Outcome)
		assert.Equal(t, FailurePermanent, res.Class)
		assert.Contains(t, res.Reason, "authenticity")
		assert.True(t, res.Terminal())
	})

	t.Run("analyzer outage is a transient failure", func(t *testing.T) {
		blobs := newBlobs(t)
		docRef, _, err := blobs.Put(ctx, []byte("document-image"))
		require.NoError(t, err)

		runner := NewDocumentRunner(MockDocumentAnalyzer{
			Err: errors.New("connection reset"),
		}, blobs)
		res := runner.Run(ctx, Input{DocumentRef: docRef})

		require.Equal(t, OutcomeFailure, res.Outcome)
		assert.Equal(t, FailureTransient, res.Class)
		assert.False(t, res.Terminal())
	})

	t.Run("missing blob is a transient failure", func(t *testing.T) {
		runner := NewDocumentRunner(MockDocumentAnalyzer{Valid: true}, newBlobs(t))
		res := runner.Run(ctx, Input{DocumentRef: "blob:missing"})

		require.Equal(t, OutcomeFailure, res.Outcome)
		assert.Equal(t, FailureTransient, res.Class)
	})
}

func TestFaceRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("confidence blends detection and similarity", func(t *testing.T) {
		blobs := newBlobs(t)
		faceRef, _, err := blobs.Put(ctx, []byte("face-region"))
		require.NoError(t, err)
		selfieRef, _, err := blobs.Put(ctx, []byte("selfie"))
		require.NoError(t, err)

		runner := NewFaceRunner(MockFaceMatcher{Output: FaceMatch{
			DocumentFaceConfidence: 0.9,
			SelfieFaceConfidence:   0.8,
			Similarity:             0.7,
		}}, blobs)
		require.Equal(t, Face, runner.Stage())

		res := runner.Run(ctx, Input{FaceRegionRef: faceRef, SelfieRef: selfieRef})
		require.Equal(t, OutcomeSuccess, res.Outcome)
		assert.InDelta(t, 0.4*0.9+0.4*0.8+0.2*0.7, res.Confidence, 1e-9)
		assert.Equal(t, 0.7, res.Details["match_score"])
	})

	t.Run("missing face region is a permanent failure", func(t *testing.T) {
		runner := NewFaceRunner(MockFaceMatcher{}, newBlobs(t))
		res := runner.Run(ctx, Input{SelfieRef: "blob:selfie"})

		require.Equal(t, OutcomeFailure, res.Outcome)
		assert.Equal(t, FailurePermanent, res.Class)
	})

	t.Run("no face detected is a permanent failure", func(t *testing.T) {
		blobs := newBlobs(t)
		faceRef, _, err := blobs.Put(ctx, []byte("face-region"))
		require.NoError(t, err)
		selfieRef, _, err := blobs.Put(ctx, []byte("selfie"))
		require.NoError(t, err)

		runner := NewFaceRunner(MockFaceMatcher{
			Err: errors.New("no face detected in selfie: " + ErrMalformedInput.Error()),
		}, blobs)
		res := runner.Run(ctx, Input{FaceRegionRef: faceRef, SelfieRef: selfieRef})
		require.Equal(t, OutcomeFailure, res.Outcome)
		assert.Equal(t, FailureTransient, res.Class)

		runner = NewFaceRunner(MockFaceMatcher{
			Err: errors.Join(ErrMalformedInput, errors.New("no face detected in selfie")),
		}, blobs)
		res = runner.Run(ctx, Input{FaceRegionRef: faceRef, SelfieRef: selfieRef})
		require.Equal(t, OutcomeFailure, res.Outcome)
		assert.Equal(t, FailurePermanent, res.Class)
	})
}

func TestLivenessRunner(t *testing.T) {
	ctx := context.Background()

	t.Run("score becomes confidence", func(t *testing.T) {
		blobs := newBlobs(t)
		selfieRef, _, err := blobs.Put(ctx, []byte("selfie"))
		require.NoError(t, err)

		runner := NewLivenessRunner(MockLivenessDetector{Score: 0.95}, blobs)
		require.Equal(t, Liveness, runner.Stage())

		res := runner.Run(ctx, Input{SelfieRef: selfieRef})
		require.Equal(t, OutcomeSuccess, res.Outcome)
		assert.Equal(t, 0.95, res.Confidence)
		assert.Equal(t, "passive", res.Details["method"])
	})

	t.Run("detector outage is a transient failure", func(t *testing.T) {
		blobs := newBlobs(t)
		selfieRef, _, err := blobs.Put(ctx, []byte("selfie"))
		require.NoError(t, err)

		runner := NewLivenessRunner(MockLivenessDetector{
			Err: ErrUnavailable,
		}, blobs)
		res := runner.Run(ctx, Input{SelfieRef: selfieRef})
		require.Equal(t, OutcomeFailure, res.Outcome)
		assert.Equal(t, FailureTransient, res.Class)
	})
}

func TestMockAnalyzersHonorCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := MockDocumentAnalyzer{Latency: time.Minute, Valid: true}.Analyze(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)

	_, err = MockFaceMatcher{Latency: time.Minute}.Match(ctx, nil, nil)
	require.ErrorIs(t, err, context.Canceled)

	_, err = MockLivenessDetector{Latency: time.Minute}.Detect(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
}
