package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"verifid/pkg/requestcontext"
)

// RequestID assigns each request an identifier (honoring an inbound
// X-Request-ID) and pins the request-scoped clock so every timestamp taken
// during the request agrees.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}

		ctx := requestcontext.WithRequestID(r.Context(), reqID)
		ctx = requestcontext.WithTime(ctx, time.Now())

		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
