package echo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mathsight/mathsight/pkg/entitlement"
	"github.com/mathsight/mathsight/storage/memory"
)

func newTestApp(t *testing.T) (*echo.Echo, *memory.Store) {
	t.Helper()
	store := memory.New()
	meter, err := entitlement.NewMeter(store, entitlement.Config{})
	if err != nil {
		t.Fatalf("NewMeter: %v", err)
	}

	e := echo.New()
	e.POST("/explain", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}, Middleware(Config{Meter: meter, GetUserID: FromHeader("X-User-ID")}))
	e.POST("/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusInternalServerError, "boom")
	}, Middleware(Config{Meter: meter, GetUserID: FromHeader("X-User-ID")}))
	return e, store
}

func TestMiddleware_AllowsAndCommits(t *testing.T) {
	e, store := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/explain", http.NoBody)
	req.Header.Set("X-User-ID", "user-1")
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	rec, _ := store.Get(context.Background(), "user-1")
	if rec.UsageToday != 1 {
		t.Errorf("UsageToday = %d, want 1", rec.UsageToday)
	}
}

func TestMiddleware_HandlerErrorDoesNotCommit(t *testing.T) {
	e, store := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/fail", http.NoBody)
	req.Header.Set("X-User-ID", "user-1")
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	rec, _ := store.Get(context.Background(), "user-1")
	if rec.UsageToday != 0 {
		t.Errorf("UsageToday = %d, want 0", rec.UsageToday)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	e, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/explain", http.NoBody)
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	e, store := newTestApp(t)

	ctx := context.Background()
	day := entitlement.Day(time.Now().UTC())
	for i := 0; i < 10; i++ {
		if _, err := store.ConsumeDaily(ctx, "user-1", day, 10); err != nil {
			t.Fatalf("ConsumeDaily: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/explain", http.NoBody)
	req.Header.Set("X-User-ID", "user-1")
	rr := httptest.NewRecorder()
	e.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	rec, _ := store.Get(ctx, "user-1")
	if rec.UsageToday != 10 {
		t.Errorf("UsageToday = %d, declined request must not consume", rec.UsageToday)
	}
}
