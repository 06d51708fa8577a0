package verification

import (
	"context"
	"strings"

	"verifid/internal/audit"
	id "verifid/pkg/domain"
	dErrors "verifid/pkg/domain-errors"
	"verifid/pkg/requestcontext"
)

// Review annotates a decided session with a human reviewer's assessment. The
// automated decision itself is immutable; the review lives only in the audit
// trail, so compliance sees both what the engine decided and what the
// reviewer concluded.
type Review struct {
	query    *Query
	recorder *audit.Recorder
}

func NewReview(query *Query, recorder *audit.Recorder) *Review {
	return &Review{query: query, recorder: recorder}
}

// ReviewInput is one reviewer assessment.
type ReviewInput struct {
	Reviewer   string
	Assessment Verdict
	Notes      string
}

// Record appends a REVIEW_RECORDED event for a terminal session that carries
// a decision. Sessions still in flight, or expired without a decision,
// cannot be reviewed.
func (r *Review) Record(ctx context.Context, sessionID id.SessionID, input ReviewInput) error {
	if strings.TrimSpace(input.Reviewer) == "" {
		return dErrors.New(dErrors.CodeValidation, "reviewer is required")
	}
	switch input.Assessment {
	case VerdictApproved, VerdictRejected, VerdictManualReview:
	default:
		return dErrors.Newf(dErrors.CodeValidation, "unknown assessment %q", input.Assessment)
	}

	session, err := r.query.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Decision == nil {
		return dErrors.New(dErrors.CodeConflict, "session has no decision to review")
	}

	now := requestcontext.Now(ctx)
	return r.recorder.Record(ctx, audit.NewEvent(sessionID, session.TenantID, audit.EventReviewRecorded, now, map[string]any{
		"reviewer":        input.Reviewer,
		"assessment":      string(input.Assessment),
		"notes":           input.Notes,
		"engine_verdict":  string(session.Decision.Verdict),
		"session_status":  string(session.Status),
		"session_version": session.Version,
	}))
}
