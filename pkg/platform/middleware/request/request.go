// Package request stamps every inbound request with a correlation id and a
// single "now" so logs and persisted timestamps within one request agree.
package request

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"srdwatch/pkg/requestcontext"
)

// HeaderRequestID is echoed back on every response.
const HeaderRequestID = "X-Request-ID"

// Middleware reuses an inbound X-Request-ID or mints one, and pins request time.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		ctx = requestcontext.WithTime(ctx, time.Now())
		ctx = requestcontext.WithTrigger(ctx, "http")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
