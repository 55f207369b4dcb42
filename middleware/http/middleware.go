// Package http provides net/http middleware that gates handlers on the
// caller's daily explanation quota.
//
// The gate is split around the wrapped handler: the quota is checked before
// the handler runs and committed only after it responds 2xx. A handler
// failure therefore costs the caller nothing.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Meter enforces the daily quota (required).
	Meter *entitlement.Meter

	// GetUserID extracts the user ID from the request (required).
	GetUserID UserIDExtractor

	// OnQuotaExceeded is called when the quota is exhausted.
	// If nil, a JSON 429 with limit and reset time is written.
	OnQuotaExceeded func(w http.ResponseWriter, r *http.Request, dec *entitlement.Decision)

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger
}

// statusRecorder captures the wrapped handler's status code so the gate can
// decide whether to commit.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// Middleware creates an HTTP middleware that enforces the daily quota.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ctx := r.Context()
			dec, err := config.Meter.CheckAndConsume(ctx, userID)
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if !dec.Allowed {
				if config.OnQuotaExceeded != nil {
					config.OnQuotaExceeded(w, r, dec)
				} else {
					writeQuotaExceeded(w, dec)
				}
				return
			}

			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 300 {
				if _, err := config.Meter.Commit(ctx, userID); err != nil {
					// The response is already written; the unit is lost to
					// the caller's benefit.
					config.Logger.Warn("usage commit failed",
						entitlement.Field{Key: "user_id", Value: userID},
						entitlement.Field{Key: "error", Value: err.Error()})
				}
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces the daily quota
// (HandlerFunc version).
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeQuotaExceeded(w http.ResponseWriter, dec *entitlement.Decision) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":    "Daily limit reached",
		"limit":    dec.Limit,
		"reset_at": dec.ResetAt,
	})
}

// Common extractors for convenience

// ContextKey is a type for context keys.
type ContextKey string

// UserIDKey is the context key for the user ID.
const UserIDKey ContextKey = "mathsight:userID"

// FromContext returns a UserIDExtractor that gets the user ID from the
// request context.
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets the user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// WithUserID adds the user ID to the request context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}
