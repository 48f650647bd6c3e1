package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sevrin/gantry/internal/core/domain"
	"github.com/sevrin/gantry/internal/core/ports"
	"github.com/sevrin/gantry/internal/logger"
)

const callerKey contextKey = "caller"

// CallerFrom returns the authenticated caller, if any. Anonymous
// requests carry no caller and fall back to per-server rate buckets.
func CallerFrom(ctx context.Context) (*domain.APIKey, bool) {
	caller, ok := ctx.Value(callerKey).(*domain.APIKey)
	return caller, ok
}

// CallerID is a convenience over CallerFrom for the invocation path.
func CallerID(ctx context.Context) string {
	if caller, ok := CallerFrom(ctx); ok {
		return caller.ID
	}
	return ""
}

// extractKey pulls the raw key from Authorization: Bearer or X-API-Key.
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// APIKeyMiddleware resolves caller identity. A missing key passes
// through anonymously; a key that fails lookup is rejected so typos
// never silently drop a caller into the shared bucket.
func APIKeyMiddleware(keys ports.APIKeyStore, log *logger.StyledLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := extractKey(r)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			caller, err := keys.Lookup(r.Context(), rawKey)
			if err != nil || caller == nil || !caller.Enabled {
				log.Warn("Rejected unknown API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid API key"})
				return
			}

			go func(id string) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := keys.TouchLastUsed(ctx, id, time.Now().UTC()); err != nil {
					log.Debug("API key last-used update failed", "key_id", id, "error", err.Error())
				}
			}(caller.ID)

			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
