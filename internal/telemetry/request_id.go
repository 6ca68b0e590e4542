package telemetry

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/italolelis/depmap_downloader/internal/logctx"
)

const RequestIDHeader = "X-Request-ID"

// RequestID tags every request with an id, reusing an upstream X-Request-ID
// when present. The id is echoed in the response and logged through logctx.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)

		next.ServeHTTP(w, r.WithContext(logctx.WithRequestID(r.Context(), requestID)))
	})
}
