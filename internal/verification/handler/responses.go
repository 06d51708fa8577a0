package handler

import (
	"time"

	"verifid/internal/audit"
	"verifid/internal/verification"
)

// SessionResponse is the HTTP representation of a verification session.
// Blob references and attempt tokens stay internal.
type SessionResponse struct {
	ID        string                   `json:"id"`
	Status    string                   `json:"status"`
	Stages    map[string]StageResponse `json:"stages,omitempty"`
	Decision  *DecisionResponse        `json:"decision,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
	ExpiresAt time.Time                `json:"expires_at"`
}

// StageResponse is one stage's recorded outcome.
type StageResponse struct {
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence"`
	Attempt    int     `json:"attempt"`
	Reason     string  `json:"reason,omitempty"`
}

// DecisionResponse is the decision portion of the response.
type DecisionResponse struct {
	Verdict   string    `json:"verdict"`
	Reasons   []string  `json:"reasons"`
	DecidedAt time.Time `json:"decided_at"`
}

// FromSession converts a domain session to its HTTP representation.
func FromSession(session *verification.Session) *SessionResponse {
	resp := &SessionResponse{
		ID:        session.ID.String(),
		Status:    string(session.Status),
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
		ExpiresAt: session.ExpiresAt,
	}
	if len(session.StageResult) > 0 {
		resp.Stages = make(map[string]StageResponse, len(session.StageResult))
		for st, result := range session.StageResult {
			resp.Stages[string(st)] = StageResponse{
				Outcome:    string(result.Outcome),
				Confidence: result.Confidence,
				Attempt:    result.Attempt,
				Reason:     result.Reason,
			}
		}
	}
	if session.Decision != nil {
		resp.Decision = &DecisionResponse{
			Verdict:   string(session.Decision.Verdict),
			Reasons:   session.Decision.Reasons,
			DecidedAt: session.Decision.DecidedAt,
		}
	}
	return resp
}

// ListResponse is the HTTP response for GET /verifications.
type ListResponse struct {
	Sessions []*SessionResponse `json:"sessions"`
}

// FromSessions converts a session page to its HTTP representation.
func FromSessions(sessions []*verification.Session) *ListResponse {
	out := make([]*SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, FromSession(session))
	}
	return &ListResponse{Sessions: out}
}

// AuditEventResponse is one audit trail entry.
type AuditEventResponse struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	RecordedAt time.Time      `json:"recorded_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// TrailResponse is the HTTP response for GET /verifications/{id}/audit.
type TrailResponse struct {
	Events []AuditEventResponse `json:"events"`
}

// FromEvents converts an audit trail page to its HTTP representation.
func FromEvents(events []audit.Event) *TrailResponse {
	out := make([]AuditEventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, AuditEventResponse{
			EventID:    event.EventID,
			Type:       string(event.Type),
			RecordedAt: event.RecordedAt,
			Payload:    event.Payload,
		})
	}
	return &TrailResponse{Events: out}
}
