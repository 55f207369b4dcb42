// Package echo provides Echo middleware that gates handlers on the caller's
// daily explanation quota. The quota is checked before the handler runs and
// committed only after it succeeds with a 2xx.
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an Echo context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration.
type Config struct {
	// Meter enforces the daily quota (required).
	Meter *entitlement.Meter

	// GetUserID extracts the user ID from the context (required).
	GetUserID UserIDExtractor

	// OnQuotaExceeded is called when the quota is exhausted.
	// If nil, a JSON 429 with limit and reset time is written.
	OnQuotaExceeded func(c echo.Context, dec *entitlement.Decision) error

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c echo.Context, err error) error

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger
}

// Middleware creates an Echo middleware that enforces the daily quota.
func Middleware(cfg Config) echo.MiddlewareFunc {
	// Fail fast on broken wiring.
	if cfg.Meter == nil {
		panic("mathsight/echo: Config.Meter is required")
	}
	if cfg.GetUserID == nil {
		panic("mathsight/echo: Config.GetUserID is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &entitlement.NoopLogger{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			}

			ctx := c.Request().Context()
			dec, err := cfg.Meter.CheckAndConsume(ctx, userID)
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
			}
			if !dec.Allowed {
				if cfg.OnQuotaExceeded != nil {
					return cfg.OnQuotaExceeded(c, dec)
				}
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":    "Daily limit reached",
					"limit":    dec.Limit,
					"reset_at": dec.ResetAt,
				})
			}

			if err := next(c); err != nil {
				return err
			}

			status := c.Response().Status
			if status >= 200 && status < 300 {
				if _, err := cfg.Meter.Commit(ctx, userID); err != nil {
					cfg.Logger.Warn("usage commit failed",
						entitlement.Field{Key: "user_id", Value: userID},
						entitlement.Field{Key: "error", Value: err.Error()})
				}
			}
			return nil
		}
	}
}

// FromContext returns a UserIDExtractor that gets the user ID from Echo's
// key-value store (set by an upstream auth middleware via c.Set).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if userID, ok := c.Get(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets the user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}
