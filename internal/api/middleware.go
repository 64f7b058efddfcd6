package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ninawilliansoc/cursor-api-reforged/internal/admission"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/logging"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/metrics"
	"github.com/ninawilliansoc/cursor-api-reforged/internal/ratelimit"
)

// RateLimit applies the per-token limiter. It must run after CallerAuth.
func RateLimit(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := CallerFrom(r.Context())
			if !ok {
				httpError(w, http.StatusUnauthorized, "authentication_error", "authentication token is required")
				return
			}

			d := l.Check(tok.ID, tok.RateLimitEnabled)
			if !d.Allowed {
				secs := d.RetryAfterSeconds()
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeJSON(w, http.StatusTooManyRequests, map[string]any{
					"error": map[string]any{
						"message":     "rate limit exceeded, try again in " + strconv.Itoa(secs) + " seconds",
						"type":        "rate_limit_error",
						"retry_after": secs,
					},
				})
				return
			}
			if tok.RateLimitEnabled {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(ceilUnix(d.ResetAt), 10))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Admission holds the request in the admission queue until it is allowed
// to proceed. Priority comes from the caller token's queue flag.
func Admission(q *admission.Queue, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, _ := CallerFrom(r.Context())
			ticket, err := q.Acquire(r.Context(), tok.QueuePriority, func(estimate time.Duration) {
				w.Header().Set("X-Queue-Estimated-Wait", strconv.Itoa(int(math.Ceil(estimate.Seconds()))))
			})
			switch {
			case errors.Is(err, admission.ErrQueueTimeout):
				w.Header().Set("Retry-After", "60")
				httpError(w, http.StatusTooManyRequests, "rate_limit_error", "server is busy, request timed out in queue")
				return
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				logger.Debug("client left while queued", logging.TokenID(tok.ID))
				return
			case err != nil:
				httpError(w, http.StatusInternalServerError, "api_error", "admission failed: %v", err)
				return
			}
			defer ticket.Release()
			next.ServeHTTP(w, r)
		})
	}
}

// requestMetrics records one observation per request, labelled by the
// matched route pattern.
func requestMetrics(m *metrics.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logging.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			elapsed := time.Since(start)
			m.RecordRequest(route, status, elapsed)
			logger.Debug("request served",
				logging.Method(r.Method),
				logging.Path(r.URL.Path),
				logging.Status(status),
				zap.Duration("duration", elapsed),
			)
		})
	}
}

func ceilUnix(t time.Time) int64 {
	secs := t.Unix()
	if t.Nanosecond() > 0 {
		secs++
	}
	return secs
}
