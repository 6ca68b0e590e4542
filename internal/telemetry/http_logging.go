package telemetry

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/italolelis/depmap_downloader/internal/logctx"
)

// quietPaths are polled by probes and scrapers; successful hits log at debug.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// HTTPLogging logs each request at a level picked from its status code. The
// request id is added by logctx.TraceHandler.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrapResponseWriter(w)

		next.ServeHTTP(rw, r)

		ctx := r.Context()

		logctx.LoggerFromContext(ctx).Log(ctx, requestLevel(r.URL.Path, rw.statusCode), "http request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"bytes", rw.bytesWritten,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case quietPaths[path]:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
