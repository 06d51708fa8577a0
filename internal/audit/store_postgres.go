package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	id "verifid/pkg/domain"
	txctx "verifid/pkg/platform/tx"
)

// PostgresStore persists the trail in PostgreSQL. Append writes the event and
// its outbox row in one transaction, so an event is either fully recorded and
// queued for the sink, or not recorded at all.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	if tx, ok := txctx.From(ctx); ok {
		return appendInTx(ctx, tx, event, payload)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit append: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := appendInTx(ctx, tx, event, payload); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit append: %w", err)
	}
	return nil
}

func appendInTx(ctx context.Context, tx *sql.Tx, event Event, payload []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, session_id, tenant_id, event_type, recorded_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		event.EventID, event.SessionID.String(), event.TenantID.String(),
		string(event.Type), event.RecordedAt, payload,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_outbox (event_id, enqueued_at)
		VALUES ($1, $2)
	`, event.EventID, event.RecordedAt)
	if err != nil {
		return fmt.Errorf("enqueue audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID, limit, offset int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, session_id, tenant_id, event_type, recorded_at, payload
		FROM audit_events
		WHERE session_id = $1 AND tenant_id = $2
		ORDER BY event_id
		LIMIT $3 OFFSET $4
	`, sessionID.String(), tenantID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) PendingOutbox(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.event_id, e.session_id, e.tenant_id, e.event_type, e.recorded_at, e.payload
		FROM audit_outbox o
		JOIN audit_events e ON e.event_id = o.event_id
		WHERE o.published_at IS NULL
		ORDER BY o.enqueued_at, e.event_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending audit events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) MarkPublished(ctx context.Context, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE audit_outbox
		SET published_at = $2
		WHERE event_id = ANY($1) AND published_at IS NULL
	`, pq.Array(eventIDs), at)
	if err != nil {
		return fmt.Errorf("mark audit events published: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteBySession(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID) error {
	// Outbox rows go with their events via the cascading foreign key.
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_events
		WHERE session_id = $1 AND tenant_id = $2
	`, sessionID.String(), tenantID.String())
	if err != nil {
		return fmt.Errorf("delete audit trail: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	events := []Event{}
	for rows.Next() {
		var (
			e                   Event
			sessionID, tenantID string
			eventType           string
			payload             []byte
		)
		if err := rows.Scan(&e.EventID, &sessionID, &tenantID, &eventType, &e.RecordedAt, &payload); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		var err error
		if e.SessionID, err = id.ParseSessionID(sessionID); err != nil {
			return nil, fmt.Errorf("scan audit session id: %w", err)
		}
		if e.TenantID, err = id.ParseTenantID(tenantID); err != nil {
			return nil, fmt.Errorf("scan audit tenant id: %w", err)
		}
		e.Type = EventType(eventType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal audit payload: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
