package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "verifid/pkg/domain-errors"
)

// Parsing enforces the invariant that IDs are valid, non-empty, non-nil UUIDs.
func TestParseSessionID(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseSessionID("")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseSessionID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseSessionID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		want := uuid.New()
		id, err := ParseSessionID(want.String())
		require.NoError(t, err)
		assert.Equal(t, SessionID(want), id)
	})
}

func TestParseTenantID(t *testing.T) {
	t.Run("round trips", func(t *testing.T) {
		want := uuid.New()
		id, err := ParseTenantID(want.String())
		require.NoError(t, err)
		assert.Equal(t, want.String(), id.String())
		assert.False(t, id.IsNil())
	})

	t.Run("zero value is nil", func(t *testing.T) {
		var id TenantID
		assert.True(t, id.IsNil())
	})
}
