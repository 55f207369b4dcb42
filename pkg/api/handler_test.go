package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mathsight/mathsight/pkg/entitlement"
	"github.com/mathsight/mathsight/pkg/explain"
	"github.com/mathsight/mathsight/storage/memory"
)

type testEnv struct {
	store   *memory.Store
	handler *Handler
	genErr  *error
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	meter, err := entitlement.NewMeter(store, entitlement.Config{})
	if err != nil {
		t.Fatalf("NewMeter: %v", err)
	}

	var genErr error
	explainer, err := explain.NewService(explain.Config{
		Meter: meter,
		Generator: explain.GeneratorFunc(func(ctx context.Context, symbol, contextText string) (string, error) {
			if genErr != nil {
				return "", genErr
			}
			return "an explanation of " + symbol, nil
		}),
	})
	if err != nil {
		t.Fatalf("explain.NewService: %v", err)
	}

	handler, err := NewHandler(Config{
		Service:   entitlement.NewService(meter),
		Explainer: explainer,
		Store:     store,
		GetUserID: FromHeader("X-User-ID"),
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	return &testEnv{store: store, handler: handler, genErr: &genErr}
}

func doJSON(t *testing.T, fn http.HandlerFunc, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rr := httptest.NewRecorder()
	fn(rr, req)
	return rr
}

func TestNewHandler_InvalidConfig(t *testing.T) {
	if _, err := NewHandler(Config{}); err == nil {
		t.Error("expected error for empty config")
	}
}

func TestGetSubscription_NewUserIsFree(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.handler.GetSubscription, http.MethodGet, "/subscription", "user-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var view entitlement.QuotaView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if view.Tier != entitlement.TierFree || view.Premium {
		t.Errorf("tier/premium = %q/%v", view.Tier, view.Premium)
	}
	if view.Limit != 10 || view.Remaining != 10 {
		t.Errorf("limit/remaining = %d/%d", view.Limit, view.Remaining)
	}
}

func TestGetSubscription_MissingUserID(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.handler.GetSubscription, http.MethodGet, "/subscription", "", "")
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestExplain_Success(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.handler.Explain, http.MethodPost, "/explain", "user-1",
		`{"symbol": "∂", "context": "heat equation"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var res explain.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Symbol != "∂" || res.Cached {
		t.Errorf("symbol/cached = %q/%v", res.Symbol, res.Cached)
	}
	if res.RemainingToday != 9 {
		t.Errorf("RemainingToday = %d, want 9", res.RemainingToday)
	}
}

func TestExplain_ValidatesBody(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing symbol", `{"context": "x"}`},
		{"malformed json", `{"symbol": `},
		{"oversized symbol", `{"symbol": "` + strings.Repeat("x", 600) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := doJSON(t, env.handler.Explain, http.MethodPost, "/explain", "user-1", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestExplain_QuotaExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	day := entitlement.Day(time.Now().UTC())
	for i := 0; i < 10; i++ {
		if _, err := env.store.ConsumeDaily(ctx, "user-1", day, 10); err != nil {
			t.Fatalf("ConsumeDaily: %v", err)
		}
	}

	rr := doJSON(t, env.handler.Explain, http.MethodPost, "/explain", "user-1", `{"symbol": "α"}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body %s", rr.Code, rr.Body.String())
	}

	var res QuotaExceededResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Limit != 10 || res.RemainingToday != 0 {
		t.Errorf("limit/remaining = %d/%d", res.Limit, res.RemainingToday)
	}
	if res.ResetAt.IsZero() {
		t.Error("ResetAt must be set")
	}
	if !strings.Contains(res.Message, "Upgrade to Premium") {
		t.Errorf("free-tier decline should suggest upgrading, got %q", res.Message)
	}
}

func TestExplain_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t)
	*env.genErr = errors.New("model down")

	rr := doJSON(t, env.handler.Explain, http.MethodPost, "/explain", "user-1", `{"symbol": "α"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}

	// Nothing consumed for the failed request.
	rec, _ := env.store.Get(context.Background(), "user-1")
	if rec.UsageToday != 0 {
		t.Errorf("UsageToday = %d, want 0", rec.UsageToday)
	}
}

func TestResetUsage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	day := entitlement.Day(time.Now().UTC())
	for _, user := range []string{"user-1", "user-2"} {
		if _, err := env.store.ConsumeDaily(ctx, user, day, 10); err != nil {
			t.Fatalf("ConsumeDaily: %v", err)
		}
	}

	rr := doJSON(t, env.handler.ResetUsage, http.MethodPost, "/admin/reset-usage", "admin", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var res ResetUsageResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Reset != 2 {
		t.Errorf("Reset = %d, want 2", res.Reset)
	}

	rec, _ := env.store.Get(ctx, "user-1")
	if rec.UsageToday != 0 {
		t.Errorf("UsageToday = %d after reset", rec.UsageToday)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rr := doJSON(t, env.handler.Health, http.MethodGet, "/health", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var res HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Status != "healthy" {
		t.Errorf("Status = %q", res.Status)
	}
}

type fakeBilling struct {
	checkoutURL string
	portalURL   string
	err         error
}

func (f *fakeBilling) CheckoutURL(ctx context.Context, userID, email, plan, successURL, cancelURL string) (string, error) {
	return f.checkoutURL, f.err
}

func (f *fakeBilling) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	return f.portalURL, f.err
}

func TestCreateCheckout(t *testing.T) {
	env := newTestEnv(t)

	// Not configured.
	rr := doJSON(t, env.handler.CreateCheckout, http.MethodPost, "/checkout", "user-1", `{"plan": "monthly"}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 without billing", rr.Code)
	}

	env.handler.config.Billing = &fakeBilling{checkoutURL: "https://checkout.example/s/123"}

	rr = doJSON(t, env.handler.CreateCheckout, http.MethodPost, "/checkout", "user-1", `{"plan": "monthly"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	var res RedirectResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.URL != "https://checkout.example/s/123" {
		t.Errorf("URL = %q", res.URL)
	}

	rr = doJSON(t, env.handler.CreateCheckout, http.MethodPost, "/checkout", "user-1", `{}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without plan", rr.Code)
	}
}

func TestCreatePortal(t *testing.T) {
	env := newTestEnv(t)
	env.handler.config.Billing = &fakeBilling{portalURL: "https://billing.example/p/123"}

	rr := doJSON(t, env.handler.CreatePortal, http.MethodPost, "/portal", "user-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var res RedirectResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.URL != "https://billing.example/p/123" {
		t.Errorf("URL = %q", res.URL)
	}
}
