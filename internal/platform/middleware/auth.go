package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	id "verifid/pkg/domain"
	"verifid/pkg/requestcontext"
)

// TenantClaims are the claims expected from a tenant API credential. The
// token itself is issued by the external auth collaborator; this middleware
// only validates it and trusts the resolved tenant identity.
type TenantClaims struct {
	TenantID string `json:"tenant_id"`
	Scope    string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

const scopeAdmin = "admin"

// RequireTenant validates the bearer token and injects the resolved tenant
// into the request context. Requests without a valid tenant credential are
// rejected before reaching any handler.
func RequireTenant(signingKey []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(authHeader, bearerPrefix) {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}

			tokenString := strings.TrimPrefix(authHeader, bearerPrefix)
			claims := &TenantClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return signingKey, nil
			})
			if err != nil || !token.Valid {
				if logger != nil {
					logger.WarnContext(r.Context(), "rejected credential",
						"remote_addr", r.RemoteAddr,
						"error", err,
					)
				}
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid credential")
				return
			}

			tenantID, err := id.ParseTenantID(claims.TenantID)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "credential carries no tenant")
				return
			}

			ctx := requestcontext.WithTenantID(r.Context(), tenantID)
			ctx = requestcontext.WithAdmin(ctx, hasScope(claims.Scope, scopeAdmin))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func hasScope(scopes, want string) bool {
	for _, s := range strings.Fields(scopes) {
		if s == want {
			return true
		}
	}
	return false
}

// writeJSONError writes a JSON error response with the given status code.
func writeJSONError(w http.ResponseWriter, status int, errCode, errDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(fmt.Appendf(nil, `{"error":%q,"error_description":%q}`, errCode, errDesc))
}
