// Package domain holds identifier types shared across bounded contexts.
//
// IDs are distinct named types over uuid.UUID so the compiler rejects
// cross-type mixups (passing a TenantID where a SessionID is expected).
// Construct them via the Parse functions at trust boundaries; direct casting
// bypasses validation.
package domain

import (
	"github.com/google/uuid"

	dErrors "verifid/pkg/domain-errors"
)

type (
	// SessionID identifies one verification session.
	SessionID uuid.UUID

	// TenantID identifies the business that owns a session.
	TenantID uuid.UUID
)

// NewSessionID generates a random session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

// ParseSessionID constructs a SessionID from external input.
// Errors: CodeInvalidInput when the value is empty, malformed, or nil.
func ParseSessionID(s string) (SessionID, error) {
	u, err := parseUUID(s, "session id")
	return SessionID(u), err
}

func (id SessionID) String() string { return uuid.UUID(id).String() }
func (id SessionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// ParseTenantID constructs a TenantID from external input.
// Errors: CodeInvalidInput when the value is empty, malformed, or nil.
func ParseTenantID(s string) (TenantID, error) {
	u, err := parseUUID(s, "tenant id")
	return TenantID(u), err
}

func (id TenantID) String() string { return uuid.UUID(id).String() }
func (id TenantID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func parseUUID(s, what string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be empty", what)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "invalid %s", what)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.Newf(dErrors.CodeInvalidInput, "%s cannot be nil", what)
	}
	return u, nil
}
