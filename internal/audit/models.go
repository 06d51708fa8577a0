// Package audit records the append-only trail of session state changes.
//
// Every status transition, stage completion, and decision lands here before
// the flow that produced it continues. Event IDs are ULIDs, so the trail
// sorts chronologically by ID alone.
package audit

import (
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	id "verifid/pkg/domain"
)

// EventType names what happened to a session.
type EventType string

const (
	EventSessionCreated EventType = "SESSION_CREATED"
	EventStatusChanged  EventType = "STATUS_CHANGED"
	EventStageCompleted EventType = "STAGE_COMPLETED"
	EventDecisionMade   EventType = "DECISION_MADE"
	EventSessionExpired EventType = "SESSION_EXPIRED"
	EventSessionFailed  EventType = "SESSION_FAILED"
	EventReviewRecorded EventType = "REVIEW_RECORDED"
)

// Event is one immutable entry in a session's trail. Payload carries
// structured context (stage names, outcomes, confidences, verdicts, content
// refs) and never raw document or selfie bytes.
type Event struct {
	EventID    string         `json:"event_id"`
	SessionID  id.SessionID   `json:"session_id"`
	TenantID   id.TenantID    `json:"tenant_id"`
	Type       EventType      `json:"event_type"`
	RecordedAt time.Time      `json:"recorded_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// newEventID returns a ULID stamped from ts. The shared monotonic entropy
// keeps IDs strictly increasing even when consecutive events land in the
// same millisecond, so sorting a trail by event_id preserves append order.
func newEventID(ts time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), entropy).String()
}

// NewEvent builds an event with a fresh ULID stamped from ts.
func NewEvent(sessionID id.SessionID, tenantID id.TenantID, eventType EventType, ts time.Time, payload map[string]any) Event {
	return Event{
		EventID:    newEventID(ts),
		SessionID:  sessionID,
		TenantID:   tenantID,
		Type:       eventType,
		RecordedAt: ts,
		Payload:    payload,
	}
}
