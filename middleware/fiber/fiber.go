// Package fiber provides Fiber middleware that gates handlers on the
// caller's daily explanation quota. The quota is checked before the handler
// runs and committed only after it succeeds with a 2xx.
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from a Fiber context.
// Return empty string if the user is not authenticated.
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration.
type Config struct {
	// Meter enforces the daily quota (required).
	Meter *entitlement.Meter

	// GetUserID extracts the user ID from the context (required).
	GetUserID UserIDExtractor

	// OnQuotaExceeded is called when the quota is exhausted.
	// If nil, a JSON 429 with limit and reset time is written.
	OnQuotaExceeded func(c *fiber.Ctx, dec *entitlement.Decision) error

	// OnUnauthorized is called when the user is not authenticated.
	// If nil, returns 401 Unauthorized.
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error.
	OnError func(c *fiber.Ctx, err error) error

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger
}

// Middleware creates a Fiber middleware that enforces the daily quota.
func Middleware(cfg Config) fiber.Handler {
	// Fail fast on broken wiring.
	if cfg.Meter == nil {
		panic("mathsight/fiber: Config.Meter is required")
	}
	if cfg.GetUserID == nil {
		panic("mathsight/fiber: Config.GetUserID is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = &entitlement.NoopLogger{}
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
		}

		ctx := c.UserContext()
		dec, err := cfg.Meter.CheckAndConsume(ctx, userID)
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
		}
		if !dec.Allowed {
			if cfg.OnQuotaExceeded != nil {
				return cfg.OnQuotaExceeded(c, dec)
			}
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":    "Daily limit reached",
				"limit":    dec.Limit,
				"reset_at": dec.ResetAt,
			})
		}

		if err := c.Next(); err != nil {
			return err
		}

		status := c.Response().StatusCode()
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

// FromHeader returns a UserIDExtractor that gets the user ID from a header.
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromLocals returns a UserIDExtractor that gets the user ID from Fiber's
// locals (set by an upstream auth middleware via c.Locals).
func FromLocals(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if userID, ok := c.Locals(key).(string); ok {
			return userID
		}
		return ""
	}
}
