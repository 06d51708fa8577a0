package audit

import (
	"context"
	"log/slog"

	id "verifid/pkg/domain"
	dErrors "verifid/pkg/domain-errors"
	"verifid/pkg/requestcontext"
)

// appendRetries bounds how often Record re-attempts a failed append before
// surfacing the error to the caller.
const appendRetries = 3

// Recorder is the write side of the trail. Recording is fail-closed: when an
// append cannot be completed the caller must treat its own state change as
// uncommitted and surface an error instead of proceeding.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record appends an event, retrying transient store failures.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	var err error
	for attempt := 0; attempt < appendRetries; attempt++ {
		if err = r.store.Append(ctx, event); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		r.logger.WarnContext(ctx, "audit append failed, retrying",
			"event_id", event.EventID,
			"event_type", event.Type,
			"session_id", event.SessionID,
			"attempt", attempt+1,
			"error", err,
		)
	}
	r.logger.ErrorContext(ctx, "audit append exhausted retries",
		"event_id", event.EventID,
		"event_type", event.Type,
		"session_id", event.SessionID,
		"error", err,
	)
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "audit trail unavailable")
}

// Trail returns a session's events in order, tenant-scoped.
func (r *Recorder) Trail(ctx context.Context, sessionID id.SessionID, limit, offset int) ([]Event, error) {
	tenantID := requestcontext.TenantID(ctx)
	events, err := r.store.ListBySession(ctx, tenantID, sessionID, limit, offset)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list audit trail")
	}
	return events, nil
}
