package audit

import (
	"context"
	"time"

	id "verifid/pkg/domain"
)

// Store persists the audit trail. Append is atomic with outbox enqueueing so
// every stored event eventually reaches the external sink.
type Store interface {
	Append(ctx context.Context, event Event) error

	// ListBySession returns a session's trail in ULID order, tenant-scoped.
	ListBySession(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID, limit, offset int) ([]Event, error)

	// PendingOutbox returns events not yet published to the external sink,
	// oldest first.
	PendingOutbox(ctx context.Context, limit int) ([]Event, error)

	// MarkPublished records that the given events reached the sink.
	MarkPublished(ctx context.Context, eventIDs []string, at time.Time) error

	// DeleteBySession removes a session's trail, including unpublished
	// outbox rows. Used only by data retention.
	DeleteBySession(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID) error
}
