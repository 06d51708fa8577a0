// Package stage defines the uniform contract the orchestrator uses to run
// the document, face, and liveness analyses.
//
// Each variant wraps one external analysis capability behind the same
// input/output shape. Runners are total functions: internal analyzer errors
// come back as a classified FAILURE result, never as a Go error, so the
// orchestrator can treat every invocation uniformly.
package stage

import (
	"context"
	"errors"
	"time"

	"verifid/internal/blobstore"
	id "verifid/pkg/domain"
)

// Stage names one independent analysis step. Dispatch is by this tagged
// value so stage-handling switches stay exhaustive and statically checkable.
type Stage string

const (
	Document Stage = "document"
	Face     Stage = "face"
	Liveness Stage = "liveness"
)

// All lists every stage in decision-report order.
var All = []Stage{Document, Face, Liveness}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case Document, Face, Liveness:
		return true
	}
	return false
}

// Outcome is the terminal state of one stage attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeTimeout Outcome = "TIMEOUT"
)

// FailureClass tells the orchestrator whether a FAILURE is worth retrying.
type FailureClass string

const (
	// FailureTransient marks failures that may succeed on retry
	// (analyzer unavailable, connection reset).
	FailureTransient FailureClass = "transient"

	// FailurePermanent marks failures retries cannot fix
	// (malformed input, unsupported media).
	FailurePermanent FailureClass = "permanent"
)

// Sentinel errors analyzer implementations wrap to classify their failures.
var (
	ErrUnavailable    = errors.New("analyzer unavailable")
	ErrMalformedInput = errors.New("malformed analyzer input")
)

// Input references the stored content a stage works on. Raw bytes never pass
// through here; adapters fetch them from the blob store when needed.
type Input struct {
	SessionID id.SessionID

	// DocumentRef is required by the document stage.
	DocumentRef blobstore.ContentRef

	// SelfieRef is required by the face and liveness stages.
	SelfieRef blobstore.ContentRef

	// FaceRegionRef is the face crop the document stage extracted; required
	// by the face stage.
	FaceRegionRef blobstore.ContentRef
}

// Result is the structured outcome of one stage attempt.
//
// Confidence is meaningful only when Outcome is SUCCESS. Details carry
// stage-specific evidence the orchestrator treats as opaque. Class and
// Reason are set only for FAILURE outcomes.
type Result struct {
	Stage       Stage          `json:"stage"`
	Outcome     Outcome        `json:"outcome"`
	Confidence  float64        `json:"confidence"`
	Details     map[string]any `json:"details,omitempty"`
	Class       FailureClass   `json:"class,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Attempt     int            `json:"attempt"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Terminal reports whether this result should stop further retries of the
// stage: success always, failures only when permanent. TIMEOUT and transient
// FAILURE results remain retryable until the orchestrator exhausts its
// budget.
func (r Result) Terminal() bool {
	switch r.Outcome {
	case OutcomeSuccess:
		return true
	case OutcomeFailure:
		return r.Class == FailurePermanent
	}
	return false
}

// Runner is the uniform adapter contract. Run must be safe to invoke more
// than once for the same input and must never mutate shared session state.
type Runner interface {
	Stage() Stage
	Run(ctx context.Context, in Input) Result
}

// failure builds a classified FAILURE result from an analyzer error.
func failure(s Stage, err error) Result {
	class := FailureTransient
	if errors.Is(err, ErrMalformedInput) {
		class = FailurePermanent
	}
	return Result{
		Stage:       s,
		Outcome:     OutcomeFailure,
		Class:       class,
		Reason:      err.Error(),
		CompletedAt: time.Now(),
	}
}
