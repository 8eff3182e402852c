package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Dzaakk/quotagate/internal/keys"
	"github.com/Dzaakk/quotagate/internal/limiter"
	"github.com/Dzaakk/quotagate/internal/middleware"
)

type UsageReader interface {
	Usage(ctx context.Context, credential string) (keys.APIKey, limiter.Usage, error)
}

func RootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Rate Limiter API is running",
	})
}

// ProtectedHandler must sit behind the rate limit middleware.
func ProtectedHandler(w http.ResponseWriter, r *http.Request) {
	_, usage, ok := middleware.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "API key is required"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Protected resource accessed successfully",
		"usage":   usage,
	})
}

// UsageHandler reports the caller's current counts without counting the request.
func UsageHandler(reader UsageReader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credential := r.Header.Get(middleware.APIKeyHeader)
		if credential == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "API key is required"})
			return
		}

		k, usage, err := reader.Usage(r.Context(), credential)
		if errors.Is(err, keys.ErrNotFound) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "Invalid or inactive API key"})
			return
		}
		if err != nil {
			logger.Error("usage lookup failed", "error", err, "api_key", keys.Mask(credential))
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "Service temporarily unavailable"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"name":  k.Name,
			"usage": usage,
			"limits": map[string]int64{
				"minute": k.PerMinute,
				"day":    k.PerDay,
			},
		})
	}
}

func StatusHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	}

	writeJSON(w, http.StatusOK, response)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
