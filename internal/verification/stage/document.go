package stage

import (
	"context"
	"fmt"
	"time"

	"verifid/internal/blobstore"
)

// DocumentAnalysis is what the external document-authenticity service
// returns: OCR fields, an authenticity verdict, and the cropped face region
// the face stage needs.
type DocumentAnalysis struct {
	Valid           bool
	DocumentType    string
	ExtractedFields map[string]string
	Confidence      float64
	FaceRegion      []byte
}

// DocumentAnalyzer wraps the external document service. Mock implementations
// use deterministic data and a configurable latency to mimic real calls.
type DocumentAnalyzer interface {
	Analyze(ctx context.Context, image []byte) (DocumentAnalysis, error)
}

// DocumentRunner adapts the document analyzer to the stage contract.
type DocumentRunner struct {
	analyzer DocumentAnalyzer
	blobs    blobstore.Store
}

func NewDocumentRunner(analyzer DocumentAnalyzer, blobs blobstore.Store) *DocumentRunner {
	return &DocumentRunner{analyzer: analyzer, blobs: blobs}
}

func (r *DocumentRunner) Stage() Stage { return Document }

// detailFaceRegionRef is the details key carrying the extracted face crop to
// the face stage.
const detailFaceRegionRef = "face_region_ref"

func (r *DocumentRunner) Run(ctx context.Context, in Input) Result {
	image, err := r.blobs.Get(ctx, in.DocumentRef)
	if err != nil {
		return failure(Document, fmt.Errorf("%w: fetch document: %v", ErrUnavailable, err))
	}

	analysis, err := r.analyzer.Analyze(ctx, image)
	if err != nil {
		return failure(Document, err)
	}
	if !analysis.Valid {
		return failure(Document, fmt.Errorf("%w: document failed authenticity checks", ErrMalformedInput))
	}

	details := map[string]any{
		"document_type":    analysis.DocumentType,
		"extracted_fields": analysis.ExtractedFields,
	}
	if len(analysis.FaceRegion) > 0 {
		ref, _, err := r.blobs.Put(ctx, analysis.FaceRegion)
		if err != nil {
			return failure(Document, fmt.Errorf("%w: store face region: %v", ErrUnavailable, err))
		}
		details[detailFaceRegionRef] = string(ref)
	}

	return Result{
		Stage:       Document,
		Outcome:     OutcomeSuccess,
		Confidence:  analysis.Confidence,
		Details:     details,
		CompletedAt: time.Now(),
	}
}

// FaceRegionRef extracts the face crop reference a successful document result
// carries, if any.
func FaceRegionRef(res Result) (blobstore.ContentRef, bool) {
	if res.Outcome != OutcomeSuccess {
		return "", false
	}
	ref, ok := res.Details[detailFaceRegionRef].(string)
	if !ok || ref == "" {
		return "", false
	}
	return blobstore.ContentRef(ref), true
}

// MockDocumentAnalyzer returns deterministic analysis after an optional
// latency, for tests and single-node wiring.
type MockDocumentAnalyzer struct {
	Latency      time.Duration
	Valid        bool
	Confidence   float64
	DocumentType string
	Err          error
}

func (m MockDocumentAnalyzer) Analyze(ctx context.Context, _ []byte) (DocumentAnalysis, error) {
	select {
	case <-time.After(m.Latency):
	case <-ctx.Done():
		return DocumentAnalysis{}, ctx.Err()
	}
	if m.Err != nil {
		return DocumentAnalysis{}, m.Err
	}
	return DocumentAnalysis{
		Valid:        m.Valid,
		DocumentType: m.DocumentType,
		ExtractedFields: map[string]string{
			"full_name":     "Sample Holder",
			"date_of_birth": "1990-02-03",
		},
		Confidence: m.Confidence,
		FaceRegion: []byte("mock-face-region"),
	}, nil
}
