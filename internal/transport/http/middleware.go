package httptransport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"example.com/activitylog/internal/logging"
	"example.com/activitylog/internal/observability"
)

// RequestLogger logs one line per request and records request metrics under the
// matched chi route pattern. Paths in skip are neither logged nor measured.
func RequestLogger(logger *zap.Logger, skip ...string) func(http.Handler) http.Handler {
	skipPaths := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipPaths[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			reqLogger := logger.With(zap.String("request_id", middleware.GetReqID(r.Context())))
			r = r.WithContext(logging.WithLogger(r.Context(), reqLogger))

			defer func() {
				latency := time.Since(start)
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				route := ""
				if rctx := chi.RouteContext(r.Context()); rctx != nil {
					route = rctx.RoutePattern()
				}
				observability.ObserveHTTPRequest(r.Method, route, status, latency)

				fields := []zap.Field{
					zap.Int("status", status),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("query", r.URL.RawQuery),
					zap.String("ip", r.RemoteAddr),
					zap.String("user-agent", r.UserAgent()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("latency", latency),
				}
				if status >= http.StatusInternalServerError {
					reqLogger.Error("http.request", fields...)
				} else {
					reqLogger.Info("http.request", fields...)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
