package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Dzaakk/quotagate/internal/keys"
	"github.com/Dzaakk/quotagate/internal/limiter"
)

const APIKeyHeader = "X-API-Key"

type Admitter interface {
	Admit(ctx context.Context, req limiter.Request) (limiter.Decision, error)
}

type ctxKey struct{}

type admitted struct {
	key   keys.APIKey
	usage limiter.Usage
}

// FromContext returns the key and usage of a request that passed the middleware.
func FromContext(ctx context.Context) (keys.APIKey, limiter.Usage, bool) {
	a, ok := ctx.Value(ctxKey{}).(admitted)
	return a.key, a.usage, ok
}

type RateLimitMiddleware struct {
	gate   Admitter
	logger *slog.Logger
}

func NewRateLimitMiddleware(gate Admitter, logger *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		gate:   gate,
		logger: logger,
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d, err := m.gate.Admit(r.Context(), limiter.Request{
			Credential: r.Header.Get(APIKeyHeader),
			Endpoint:   r.URL.Path,
		})
		if err != nil {
			m.logger.Error("admission failed",
				"error", err,
				"unavailable", errors.Is(err, limiter.ErrServiceUnavailable),
				"path", r.URL.Path,
			)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "Service temporarily unavailable"})
			return
		}

		switch d.Reason {
		case limiter.ReasonMissingCredential:
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "API key is required"})
			return
		case limiter.ReasonInvalidOrInactiveKey:
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid or inactive API key"})
			return
		}

		m.setRateLimitHeaders(w, d)

		if !d.Allowed {
			m.logger.Warn("rate limit exceeded",
				"api_key", keys.Mask(d.Key.Key),
				"reason", d.Reason,
				"minute", d.Usage.Minute,
				"day", d.Usage.Day,
				"path", r.URL.Path,
			)
			m.sendRateLimitError(w, d)
			return
		}

		m.logger.Debug("request allowed",
			"api_key", keys.Mask(d.Key.Key),
			"minute", d.Usage.Minute,
			"day", d.Usage.Day,
			"path", r.URL.Path,
		)

		ctx := context.WithValue(r.Context(), ctxKey{}, admitted{key: d.Key, usage: d.Usage})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *RateLimitMiddleware) setRateLimitHeaders(w http.ResponseWriter, d limiter.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Key.PerMinute, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining(d.Key.PerMinute, d.Usage.Minute), 10))
	if !d.MinuteResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.MinuteResetAt.Unix(), 10))
	}
	h.Set("X-RateLimit-Day-Limit", strconv.FormatInt(d.Key.PerDay, 10))
	h.Set("X-RateLimit-Day-Remaining", strconv.FormatInt(remaining(d.Key.PerDay, d.Usage.Day), 10))
}

func (m *RateLimitMiddleware) sendRateLimitError(w http.ResponseWriter, d limiter.Decision) {
	msg := "Too Many Requests"
	if d.Reason == limiter.ReasonDailyQuotaExceeded {
		msg = "Daily quota exceeded"
	}
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error": msg,
		"limit": d.Limit,
	})
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
