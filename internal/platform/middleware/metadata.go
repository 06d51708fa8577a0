package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"verifid/pkg/requestcontext"
)

// ClientMetadata extracts the client IP and a normalized User-Agent from the
// request and adds them to the context. Audit events record these instead of
// the raw header, which can carry arbitrary tenant-controlled bytes.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIPFromRequest(r)
		ua := normalizeUserAgent(r.Header.Get("User-Agent"))

		ctx := requestcontext.WithClientMetadata(r.Context(), ip, ua)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// normalizeUserAgent reduces a raw User-Agent header to "browser/version os"
// so audit payloads stay bounded and comparable.
func normalizeUserAgent(raw string) string {
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	name, version := ua.Browser()
	if name == "" {
		// SDK and curl-style agents: keep the product token only.
		if idx := strings.IndexAny(raw, " ("); idx > 0 {
			return raw[:idx]
		}
		return raw
	}
	if os := ua.OS(); os != "" {
		return fmt.Sprintf("%s/%s %s", name, version, os)
	}
	return fmt.Sprintf("%s/%s", name, version)
}

// clientIPFromRequest extracts the real client IP, handling proxies and load
// balancers.
func clientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// X-Forwarded-For can contain multiple IPs; the first is the client.
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	// RemoteAddr is "ip:port" ("[::1]:port" for IPv6).
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return addr[:idx]
		}
		return addr
	}
	return ""
}
