package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "verifid/pkg/domain"
	"verifid/pkg/requestcontext"
)

var testSigningKey = []byte("test-signing-key")

func signTenantToken(t *testing.T, tenantID string, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, TenantClaims{
		TenantID: tenantID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(testSigningKey)
	require.NoError(t, err)
	return signed
}

func TestRequireTenant(t *testing.T) {
	var gotTenant id.TenantID
	var gotAdmin bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = requestcontext.TenantID(r.Context())
		gotAdmin = requestcontext.IsAdmin(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := RequireTenant(testSigningKey, nil)(next)

	t.Run("missing token rejected", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("garbage token rejected", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer not.a.token")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token without tenant rejected", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+signTenantToken(t, "", ""))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid token resolves tenant", func(t *testing.T) {
		tenant := uuid.NewString()
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+signTenantToken(t, tenant, ""))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, tenant, gotTenant.String())
		assert.False(t, gotAdmin)
	})

	t.Run("admin scope is carried", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", "Bearer "+signTenantToken(t, uuid.NewString(), "admin audit"))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)

		require.Equal(t, http.StatusOK, w.Code)
		assert.True(t, gotAdmin)
	})
}

func TestNormalizeUserAgent(t *testing.T) {
	t.Run("browser agent", func(t *testing.T) {
		got := normalizeUserAgent("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
		assert.Contains(t, got, "Chrome/120")
	})

	t.Run("sdk agent keeps product token", func(t *testing.T) {
		assert.Equal(t, "verifid-go-sdk/1.4.2", normalizeUserAgent("verifid-go-sdk/1.4.2 (linux; amd64)"))
	})

	t.Run("empty stays empty", func(t *testing.T) {
		assert.Equal(t, "", normalizeUserAgent(""))
	})
}
