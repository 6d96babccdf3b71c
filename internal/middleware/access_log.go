package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/adconfirm/internal/observability"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// AccessLog records request count and latency per route. Server errors are
// always logged at warn; other requests are logged at debug for a sampled
// share that depends on ENV.
func AccessLog(fallback *zap.Logger, metrics observability.MetricsRegistry) func(http.Handler) http.Handler {
	rate := observability.GetSamplingRate()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			endpoint := routeName(r)
			elapsed := time.Since(start)
			metrics.IncrementRequests(endpoint, r.Method, strconv.Itoa(rec.status))
			metrics.RecordRequestLatency(endpoint, r.Method, elapsed)

			logger := LoggerFromRequest(r, fallback)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("endpoint", endpoint),
				zap.Int("status", rec.status),
				zap.Duration("duration", elapsed),
			}
			if rec.status >= http.StatusInternalServerError {
				logger.Warn("request failed", fields...)
				return
			}
			if observability.ShouldSample(rate) {
				logger.Debug("request", fields...)
			}
		})
	}
}

// routeName returns the matched mux path template so metrics are not
// labelled by raw paths.
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
