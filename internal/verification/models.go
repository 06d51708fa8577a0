// Package verification holds the session lifecycle, the orchestrator that
// drives stage execution, and the decision engine that folds stage results
// into a verdict.
package verification

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"verifid/internal/blobstore"
	"verifid/internal/verification/stage"
	id "verifid/pkg/domain"
	dErrors "verifid/pkg/domain-errors"
	"verifid/pkg/platform/sentinel"
)

// Status is the session lifecycle state. Transitions are forward-only; once
// a session reaches a terminal status nothing mutates it again.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusInProgress     Status = "IN_PROGRESS"
	StatusAwaitingResult Status = "AWAITING_RESULT"
	StatusDecided        Status = "DECIDED"
	StatusFailed         Status = "FAILED"
	StatusExpired        Status = "EXPIRED"
)

// transitions is the full legal-move table. Absence means forbidden.
var transitions = map[Status][]Status{
	StatusPending:        {StatusInProgress, StatusExpired},
	StatusInProgress:     {StatusAwaitingResult, StatusFailed, StatusExpired},
	StatusAwaitingResult: {StatusDecided, StatusFailed, StatusExpired},
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransition reports whether s -> to is a legal move.
func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Verdict is the outcome of the decision engine.
type Verdict string

const (
	VerdictApproved     Verdict = "APPROVED"
	VerdictRejected     Verdict = "REJECTED"
	VerdictManualReview Verdict = "MANUAL_REVIEW"
)

// StageSummary is the per-stage digest embedded in a decision.
type StageSummary struct {
	Outcome    stage.Outcome `json:"outcome"`
	Confidence float64       `json:"confidence"`
}

// Decision is the immutable result of evaluating a session's stage results.
// Reasons is never empty and names the stages that drove the verdict.
type Decision struct {
	Verdict      Verdict                      `json:"verdict"`
	Reasons      []string                     `json:"reasons"`
	StageSummary map[stage.Stage]StageSummary `json:"stage_summary"`
	DecidedAt    time.Time                    `json:"decided_at"`
}

// Attempt tracks the current in-flight execution of one stage. Token changes
// on every dispatch; a result carrying a stale token is discarded.
type Attempt struct {
	Token  uuid.UUID `json:"token"`
	Number int       `json:"number"`
}

// Inputs references the submitted content. Fingerprint covers both blobs and
// keys submission idempotency per tenant.
type Inputs struct {
	DocumentRef blobstore.ContentRef  `json:"document_ref"`
	SelfieRef   blobstore.ContentRef  `json:"selfie_ref"`
	Fingerprint blobstore.Fingerprint `json:"fingerprint"`
}

// Session is the aggregate the orchestrator drives. All mutation goes
// through methods so lifecycle invariants hold no matter which caller writes.
// Version increments on every persisted update and backs optimistic
// concurrency in the stores.
type Session struct {
	ID          id.SessionID                 `json:"id"`
	TenantID    id.TenantID                  `json:"tenant_id"`
	Status      Status                       `json:"status"`
	Inputs      Inputs                       `json:"inputs"`
	StageResult map[stage.Stage]stage.Result `json:"stage_results"`
	Attempts    map[stage.Stage]Attempt      `json:"attempts"`
	Decision    *Decision                    `json:"decision,omitempty"`
	ClientIP    string                       `json:"client_ip,omitempty"`
	UserAgent   string                       `json:"user_agent,omitempty"`
	CreatedAt   time.Time                    `json:"created_at"`
	UpdatedAt   time.Time                    `json:"updated_at"`
	ExpiresAt   time.Time                    `json:"expires_at"`
	Version     int64                        `json:"version"`
}

// NewSession creates a PENDING session for the given tenant and inputs.
func NewSession(tenantID id.TenantID, inputs Inputs, now time.Time, lifetime time.Duration) *Session {
	return &Session{
		ID:          id.NewSessionID(),
		TenantID:    tenantID,
		Status:      StatusPending,
		Inputs:      inputs,
		StageResult: make(map[stage.Stage]stage.Result),
		Attempts:    make(map[stage.Stage]Attempt),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(lifetime),
		Version:     1,
	}
}

// Terminal reports whether the session can no longer change.
func (s *Session) Terminal() bool {
	return s.Status.Terminal()
}

// TransitionTo moves the session to a new status if the move is legal.
func (s *Session) TransitionTo(to Status, now time.Time) error {
	if s.Terminal() {
		return fmt.Errorf("%w: session %s is %s", sentinel.ErrTerminal, s.ID, s.Status)
	}
	if !s.Status.CanTransition(to) {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"illegal session transition %s -> %s", s.Status, to)
	}
	s.Status = to
	s.UpdatedAt = now
	return nil
}

// BeginAttempt registers a new execution attempt for a stage and returns it.
// The returned token must accompany the eventual result; anything recorded
// under an older token is discarded as superseded.
func (s *Session) BeginAttempt(st stage.Stage, now time.Time) (Attempt, error) {
	if s.Terminal() {
		return Attempt{}, fmt.Errorf("%w: session %s is %s", sentinel.ErrTerminal, s.ID, s.Status)
	}
	if prev, ok := s.StageResult[st]; ok && prev.Terminal() {
		return Attempt{}, dErrors.Newf(dErrors.CodeInvariantViolation,
			"stage %s already has a terminal result", st)
	}
	attempt := Attempt{Token: uuid.New(), Number: s.Attempts[st].Number + 1}
	s.Attempts[st] = attempt
	s.UpdatedAt = now
	return attempt, nil
}

// RecordStageResult stores a stage result under its attempt token. A result
// for a superseded or unknown attempt returns ErrStaleAttempt and leaves the
// session untouched; a result arriving after the session became terminal
// returns ErrTerminal.
func (s *Session) RecordStageResult(token uuid.UUID, res stage.Result, now time.Time) error {
	if s.Terminal() {
		return fmt.Errorf("%w: session %s is %s", sentinel.ErrTerminal, s.ID, s.Status)
	}
	current, ok := s.Attempts[res.Stage]
	if !ok || current.Token != token {
		return fmt.Errorf("%w: stage %s token %s", sentinel.ErrStaleAttempt, res.Stage, token)
	}
	res.Attempt = current.Number
	s.StageResult[res.Stage] = res
	s.UpdatedAt = now
	return nil
}

// SetDecision attaches the decision and moves the session to the given
// terminal status: DECIDED normally, FAILED when the document stage
// terminally failed. A session that already carries a decision is never
// rewritten.
func (s *Session) SetDecision(d Decision, to Status, now time.Time) error {
	if to != StatusDecided && to != StatusFailed {
		return dErrors.Newf(dErrors.CodeInvariantViolation, "decision cannot accompany status %s", to)
	}
	if s.Decision != nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "session already decided")
	}
	if len(d.Reasons) == 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "decision carries no reasons")
	}
	if err := s.TransitionTo(to, now); err != nil {
		return err
	}
	s.Decision = &d
	return nil
}

// ExpiredAt reports whether the session's lifetime had elapsed at ts.
func (s *Session) ExpiredAt(ts time.Time) bool {
	return !ts.Before(s.ExpiresAt)
}

// Clone deep-copies the session so in-memory stores never hand out aliased
// state.
func (s *Session) Clone() *Session {
	cp := *s
	cp.StageResult = make(map[stage.Stage]stage.Result, len(s.StageResult))
	for k, v := range s.StageResult {
		if v.Details != nil {
			details := make(map[string]any, len(v.Details))
			for dk, dv := range v.Details {
				details[dk] = dv
			}
			v.Details = details
		}
		cp.StageResult[k] = v
	}
	cp.Attempts = make(map[stage.Stage]Attempt, len(s.Attempts))
	for k, v := range s.Attempts {
		cp.Attempts[k] = v
	}
	if s.Decision != nil {
		d := *s.Decision
		d.Reasons = append([]string(nil), s.Decision.Reasons...)
		d.StageSummary = make(map[stage.Stage]StageSummary, len(s.Decision.StageSummary))
		for k, v := range s.Decision.StageSummary {
			d.StageSummary[k] = v
		}
		cp.Decision = &d
	}
	return &cp
}
