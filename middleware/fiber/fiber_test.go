package fiber

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mathsight/mathsight/pkg/entitlement"
	"github.com/mathsight/mathsight/storage/memory"
)

func newTestApp(t *testing.T) (*fiber.App, *memory.Store) {
	t.Helper()
	store := memory.New()
	meter, err := entitlement.NewMeter(store, entitlement.Config{})
	if err != nil {
		t.Fatalf("NewMeter: %v", err)
	}

	app := fiber.New()
	gate := Middleware(Config{Meter: meter, GetUserID: FromHeader("X-User-ID")})
	app.Post("/explain", gate, func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Post("/fail", gate, func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusInternalServerError).SendString("boom")
	})
	return app, store
}

func TestMiddleware_AllowsAndCommits(t *testing.T) {
	app, store := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/explain", http.NoBody)
	req.Header.Set("X-User-ID", "user-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	rec, _ := store.Get(context.Background(), "user-1")
	if rec.UsageToday != 1 {
		t.Errorf("UsageToday = %d, want 1", rec.UsageToday)
	}
}

func TestMiddleware_FailedHandlerDoesNotCommit(t *testing.T) {
	app, store := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/fail", http.NoBody)
	req.Header.Set("X-User-ID", "user-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	rec, _ := store.Get(context.Background(), "user-1")
	if rec.UsageToday != 0 {
		t.Errorf("UsageToday = %d, want 0", rec.UsageToday)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/explain", http.NoBody)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	app, store := newTestApp(t)

	ctx := context.Background()
	day := entitlement.Day(time.Now().UTC())
	for i := 0; i < 10; i++ {
		if _, err := store.ConsumeDaily(ctx, "user-1", day, 10); err != nil {
			t.Fatalf("ConsumeDaily: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/explain", http.NoBody)
	req.Header.Set("X-User-ID", "user-1")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	rec, _ := store.Get(ctx, "user-1")
	if rec.UsageToday != 10 {
		t.Errorf("UsageToday = %d, declined request must not consume", rec.UsageToday)
	}
}
