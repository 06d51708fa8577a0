package verification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"verifid/internal/blobstore"
	id "verifid/pkg/domain"
	"verifid/pkg/platform/sentinel"
	txctx "verifid/pkg/platform/tx"
)

// PostgresStore persists sessions in PostgreSQL.
//
// Stage results, attempts, and decisions live in jsonb columns; the columns
// the queries filter on (tenant, status, fingerprint, expiry, version) are
// first-class. A partial unique index on (tenant_id, fingerprint) WHERE the
// status is non-terminal enforces submission idempotency, and version-checked
// updates provide the CAS.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// execer returns the transaction bound to ctx when one is present, so store
// calls participate in an enclosing transaction without API changes.
func (s *PostgresStore) execer(ctx context.Context) interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
} {
	if tx, ok := txctx.From(ctx); ok {
		return tx
	}
	return s.db
}

const sessionColumns = `id, tenant_id, status, document_ref, selfie_ref, fingerprint,
	stage_results, attempts, decision, client_ip, user_agent,
	created_at, updated_at, expires_at, version`

func (s *PostgresStore) Create(ctx context.Context, session *Session) error {
	stageResults, attempts, decision, err := marshalSessionDocs(session)
	if err != nil {
		return err
	}

	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO verification_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		session.ID.String(), session.TenantID.String(), string(session.Status),
		string(session.Inputs.DocumentRef), string(session.Inputs.SelfieRef), string(session.Inputs.Fingerprint),
		stageResults, attempts, decision,
		nullString(session.ClientIP), nullString(session.UserAgent),
		session.CreatedAt, session.UpdatedAt, session.ExpiresAt, session.Version,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: tenant %s fingerprint %s",
				sentinel.ErrDuplicateFingerprint, session.TenantID, session.Inputs.Fingerprint)
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID) (*Session, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM verification_sessions
		WHERE id = $1 AND tenant_id = $2
	`, sessionID.String(), tenantID.String())
	return scanSession(row)
}

func (s *PostgresStore) Update(ctx context.Context, session *Session) error {
	stageResults, attempts, decision, err := marshalSessionDocs(session)
	if err != nil {
		return err
	}

	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE verification_sessions
		SET status = $3, stage_results = $4, attempts = $5, decision = $6,
			updated_at = $7, version = version + 1
		WHERE id = $1 AND version = $2
	`,
		session.ID.String(), session.Version,
		string(session.Status), stageResults, attempts, decision,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if affected == 0 {
		// Distinguish a lost CAS race from a missing row.
		var exists bool
		checkErr := s.execer(ctx).QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM verification_sessions WHERE id = $1)`,
			session.ID.String()).Scan(&exists)
		if checkErr == nil && !exists {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("%w: session %s write carried version %d",
			sentinel.ErrVersionConflict, session.ID, session.Version)
	}
	session.Version++
	return nil
}

func (s *PostgresStore) FindByFingerprint(ctx context.Context, tenantID id.TenantID, fp blobstore.Fingerprint) (*Session, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM verification_sessions
		WHERE tenant_id = $1 AND fingerprint = $2
			AND status NOT IN ('DECIDED', 'FAILED', 'EXPIRED')
	`, tenantID.String(), string(fp))
	return scanSession(row)
}

func (s *PostgresStore) List(ctx context.Context, tenantID id.TenantID, filter ListFilter) ([]*Session, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT ` + sessionColumns + `
		FROM verification_sessions
		WHERE tenant_id = $1`
	args := []any{tenantID.String()}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return s.querySessions(ctx, query, args...)
}

func (s *PostgresStore) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]*Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+`
		FROM verification_sessions
		WHERE expires_at <= $1
			AND status NOT IN ('DECIDED', 'FAILED', 'EXPIRED')
		ORDER BY expires_at
		LIMIT $2
	`, asOf, limit)
}

func (s *PostgresStore) ListTerminatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Session, error) {
	return s.querySessions(ctx, `
		SELECT `+sessionColumns+`
		FROM verification_sessions
		WHERE updated_at < $1
			AND status IN ('DECIDED', 'FAILED', 'EXPIRED')
		ORDER BY updated_at
		LIMIT $2
	`, cutoff, limit)
}

func (s *PostgresStore) Delete(ctx context.Context, tenantID id.TenantID, sessionID id.SessionID) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		DELETE FROM verification_sessions
		WHERE id = $1 AND tenant_id = $2
	`, sessionID.String(), tenantID.String())
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		session             Session
		sessionID, tenantID string
		status              string
		docRef, selfieRef   string
		fingerprint         string
		stageResults        []byte
		attempts            []byte
		decision            []byte
		clientIP, userAgent sql.NullString
	)
	err := row.Scan(
		&sessionID, &tenantID, &status, &docRef, &selfieRef, &fingerprint,
		&stageResults, &attempts, &decision, &clientIP, &userAgent,
		&session.CreatedAt, &session.UpdatedAt, &session.ExpiresAt, &session.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if session.ID, err = id.ParseSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("scan session id: %w", err)
	}
	if session.TenantID, err = id.ParseTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("scan tenant id: %w", err)
	}
	session.Status = Status(status)
	session.Inputs = Inputs{
		DocumentRef: blobstore.ContentRef(docRef),
		SelfieRef:   blobstore.ContentRef(selfieRef),
		Fingerprint: blobstore.Fingerprint(fingerprint),
	}
	if err := json.Unmarshal(stageResults, &session.StageResult); err != nil {
		return nil, fmt.Errorf("unmarshal stage results: %w", err)
	}
	if err := json.Unmarshal(attempts, &session.Attempts); err != nil {
		return nil, fmt.Errorf("unmarshal attempts: %w", err)
	}
	if len(decision) > 0 {
		session.Decision = &Decision{}
		if err := json.Unmarshal(decision, session.Decision); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
	}
	session.ClientIP = clientIP.String
	session.UserAgent = userAgent.String
	return &session, nil
}

func marshalSessionDocs(session *Session) (stageResults, attempts, decision []byte, err error) {
	if stageResults, err = json.Marshal(session.StageResult); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal stage results: %w", err)
	}
	if attempts, err = json.Marshal(session.Attempts); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal attempts: %w", err)
	}
	if session.Decision != nil {
		if decision, err = json.Marshal(session.Decision); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal decision: %w", err)
		}
	}
	return stageResults, attempts, decision, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}
