package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mohammadhprp/offgrid/internal/limiter"
	"go.uber.org/zap"
)

// Enforcer decides whether the request identified by key may proceed.
// Rejections are reported as *limiter.RateLimitError.
type Enforcer interface {
	Enforce(ctx context.Context, key string) (limiter.Result, error)
}

// RateLimitMiddleware returns an HTTP middleware that gates requests on the rate limiter.
//
// The identifier (client/user key) is extracted using the provided keyExtractor function.
// A rejected request gets 429 Too Many Requests with a JSON body carrying resetAt
// (Unix milliseconds) and a Retry-After header. A limiter failure gets 503: the
// gate fails closed and the wrapped handler never runs.
//
// Example: Rate limit uploads by IP address
//
//	r.Handle("/api/documents", RateLimitMiddleware(svc, IPKeyExtractor, logger)(uploads))
func RateLimitMiddleware(enforcer Enforcer, keyExtractor KeyExtractor, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyExtractor(r)

			res, err := enforcer.Enforce(r.Context(), key)
			if err != nil {
				if rle, ok := limiter.AsRateLimitError(err); ok {
					logger.Debug("request rate limited", zap.String("key", key), zap.String("path", r.URL.Path))
					SetRateLimitHeaders(w.Header(), rle.Result, time.Now())
					writeJSON(w, http.StatusTooManyRequests, map[string]any{
						"error":   limiter.ErrRateLimitExceeded.Error(),
						"resetAt": rle.Result.ResetAt.UnixMilli(),
					})
					return
				}

				logger.Error("rate limiter check failed", zap.String("key", key), zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"error": "rate limiter unavailable",
				})
				return
			}

			SetRateLimitHeaders(w.Header(), res, time.Now())
			next.ServeHTTP(w, r)
		})
	}
}

// SetRateLimitHeaders writes the X-RateLimit-* headers, plus Retry-After on rejection.
func SetRateLimitHeaders(h http.Header, res limiter.Result, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	if !res.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.UnixMilli(), 10))
	}
	if !res.Allowed {
		h.Set("Retry-After", strconv.Itoa(res.RetryAfter(now)))
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
