package stripe

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mathsight/mathsight/pkg/billing"
	"github.com/mathsight/mathsight/storage/memory"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(Config{
		APIKey:        "sk_test_123",
		WebhookSecret: "whsec_test",
		Store:         memory.New(),
		PriceIDs: map[string]string{
			"monthly":  "price_monthly",
			"annual":   "price_annual",
			"lifetime": "price_lifetime",
		},
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p
}

func TestNewProvider_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"missing api key", Config{Store: memory.New()}},
		{"blank api key", Config{APIKey: "   ", Store: memory.New()}},
		{"missing store", Config{APIKey: "sk_test_123"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(tt.config); err != billing.ErrProviderNotConfigured {
				t.Errorf("expected ErrProviderNotConfigured, got %v", err)
			}
		})
	}
}

func TestProvider_Name(t *testing.T) {
	p := newTestProvider(t)
	if p.Name() != "stripe" {
		t.Errorf("Name() = %q, want %q", p.Name(), "stripe")
	}
}

func TestProvider_PriceIDForPlan(t *testing.T) {
	p := newTestProvider(t)

	if got := p.priceIDForPlan("monthly"); got != "price_monthly" {
		t.Errorf("priceIDForPlan(monthly) = %q", got)
	}
	if got := p.priceIDForPlan("weekly"); got != "" {
		t.Errorf("priceIDForPlan(weekly) = %q, want empty", got)
	}
}

func TestWebhookHandler_MethodNotAllowed(t *testing.T) {
	p := newTestProvider(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook", http.NoBody)
	rr := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusMethodNotAllowed)
	}
}

func TestWebhookHandler_NoSecret(t *testing.T) {
	p, err := NewProvider(Config{APIKey: "sk_test_123", Store: memory.New()})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

func TestWebhookHandler_BadSignature(t *testing.T) {
	p := newTestProvider(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rr := httptest.NewRecorder()
	p.WebhookHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}
