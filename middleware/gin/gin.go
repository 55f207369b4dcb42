// Package gin provides Gin middleware that gates handlers on the caller's
// daily explanation quota. The quota is checked before the handler runs and
// committed only after it responds 2xx.
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from a Gin context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *gongin.Context) string

// Config holds middleware configuration.
type Config struct {
	// Meter enforces the daily quota (required).
	Meter *entitlement.Meter

	// GetUserID extracts the user ID from the context (required).
	GetUserID UserIDExtractor

	// OnQuotaExceeded is called when the quota is exhausted.
	// If nil, a JSON 429 with limit and reset time is written.
	OnQuotaExceeded func(c *gongin.Context, dec *entitlement.Decision)

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *gongin.Context, err error)

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger
}

// Middleware creates a Gin middleware that enforces the daily quota.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Fail fast on broken wiring.
	if cfg.Meter == nil {
		panic("mathsight/gin: Config.Meter is required")
	}
	if cfg.GetUserID == nil {
		panic("mathsight/gin: Config.GetUserID is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &entitlement.NoopLogger{}
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
			}
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		dec, err := cfg.Meter.CheckAndConsume(ctx, userID)
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
			}
			c.Abort()
			return
		}
		if !dec.Allowed {
			if cfg.OnQuotaExceeded != nil {
				cfg.OnQuotaExceeded(c, dec)
			} else {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gongin.H{
					"error":    "Daily limit reached",
					"limit":    dec.Limit,
					"reset_at": dec.ResetAt,
				})
			}
			c.Abort()
			return
		}

		c.Next()

		status := c.Writer.Status()
		if status >= 200 && status < 300 {
			if _, err := cfg.Meter.Commit(ctx, userID); err != nil {
				cfg.Logger.Warn("usage commit failed",
					entitlement.Field{Key: "user_id", Value: userID},
					entitlement.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// FromHeader returns a UserIDExtractor that gets the user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromContextKey returns a UserIDExtractor that gets the user ID from Gin's
// key-value store (set by an upstream auth middleware via c.Set).
func FromContextKey(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if userID, ok := c.Get(key); ok {
			if s, ok := userID.(string); ok {
				return s
			}
		}
		return ""
	}
}
