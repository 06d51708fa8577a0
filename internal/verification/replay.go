package verification

import (
	"verifid/internal/audit"
	"verifid/internal/verification/stage"
	id "verifid/pkg/domain"
	dErrors "verifid/pkg/domain-errors"
)

// ReplaySnapshot is the session view reconstructable from the audit trail
// alone. Compliance reviews use it to confirm the trail accounts for every
// state a session went through.
type ReplaySnapshot struct {
	SessionID     id.SessionID
	Status        Status
	StageOutcomes map[stage.Stage]stage.Outcome
	Verdict       *Verdict
	Reviews       int
}

// Replay folds an ordered trail into a snapshot. The trail must start with
// SESSION_CREATED and belong to a single session.
func Replay(events []audit.Event) (ReplaySnapshot, error) {
	if len(events) == 0 {
		return ReplaySnapshot{}, dErrors.New(dErrors.CodeInvalidInput, "empty audit trail")
	}
	if events[0].Type != audit.EventSessionCreated {
		return ReplaySnapshot{}, dErrors.Newf(dErrors.CodeInvalidInput,
			"trail starts with %s, expected %s", events[0].Type, audit.EventSessionCreated)
	}

	snapshot := ReplaySnapshot{
		SessionID:     events[0].SessionID,
		StageOutcomes: make(map[stage.Stage]stage.Outcome),
	}
	for _, event := range events {
		if event.SessionID != snapshot.SessionID {
			return ReplaySnapshot{}, dErrors.Newf(dErrors.CodeInvalidInput,
				"trail mixes sessions %s and %s", snapshot.SessionID, event.SessionID)
		}
		switch event.Type {
		case audit.EventSessionCreated:
			snapshot.Status = Status(payloadString(event, "status"))
		case audit.EventStatusChanged:
			snapshot.Status = Status(payloadString(event, "to"))
		case audit.EventStageCompleted:
			st := stage.Stage(payloadString(event, "stage"))
			if st.Valid() {
				snapshot.StageOutcomes[st] = stage.Outcome(payloadString(event, "outcome"))
			}
		case audit.EventDecisionMade, audit.EventSessionFailed:
			snapshot.Status = Status(payloadString(event, "status"))
			verdict := Verdict(payloadString(event, "verdict"))
			snapshot.Verdict = &verdict
		case audit.EventSessionExpired:
			snapshot.Status = StatusExpired
		case audit.EventReviewRecorded:
			snapshot.Reviews++
		}
	}
	return snapshot, nil
}

func payloadString(event audit.Event, key string) string {
	value, _ := event.Payload[key].(string)
	return value
}
