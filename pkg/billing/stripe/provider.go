// Package stripe adapts Stripe checkout sessions and lifecycle webhooks to
// the billing reconciler. Signature verification happens here; the reconciler
// only ever sees verified events.
package stripe

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mathsight/mathsight/pkg/billing"
	"github.com/mathsight/mathsight/pkg/billing/internal"
	"github.com/mathsight/mathsight/pkg/entitlement"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
)

// Config holds Stripe provider configuration.
type Config struct {
	// APIKey is the Stripe secret key (required).
	APIKey string

	// WebhookSecret verifies inbound webhook signatures (required for webhooks).
	WebhookSecret string

	// Store is the entitlement store mutated by reconciled events (required).
	Store entitlement.Store

	// PriceIDs maps plan names ("monthly", "annual", "lifetime") to Stripe
	// price identifiers.
	PriceIDs map[string]string

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger

	// Metrics is used for tracking billing operations (default: NoopMetrics).
	Metrics billing.Metrics
}

// Provider wires Stripe to the entitlement store.
type Provider struct {
	client        *stripe.Client
	store         entitlement.Store
	reconciler    *billing.Reconciler
	priceIDs      map[string]string
	webhookSecret []byte
	rateLimiter   *internal.RateLimiter
	logger        entitlement.Logger
	metrics       billing.Metrics

	// Stripe API reads used by SyncUser, behind function fields so tests
	// can exercise the sync flow without a live client.
	findCustomer func(ctx context.Context, userID string) (string, error)
	latestSub    func(ctx context.Context, customerID string) (*stripe.Subscription, error)
}

// NewProvider creates a Stripe billing provider. The provider is its own
// DetailLookup: customer email and subscription detail fetches go through the
// same client as checkout.
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" || config.Store == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &billing.NoopMetrics{}
	}

	p := &Provider{
		client:        stripe.NewClient(apiKey),
		store:         config.Store,
		priceIDs:      config.PriceIDs,
		webhookSecret: []byte(strings.TrimSpace(config.WebhookSecret)),
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		logger:        config.Logger,
		metrics:       config.Metrics,
	}
	p.findCustomer = p.searchCustomerByMetadata
	p.latestSub = p.latestSubscription

	reconciler, err := billing.NewReconciler(config.Store, billing.Config{
		Lookup:   p,
		Provider: providerName,
		Logger:   config.Logger,
		Metrics:  config.Metrics,
	})
	if err != nil {
		return nil, err
	}
	p.reconciler = reconciler

	return p, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// Reconciler exposes the underlying reconciler, mainly for tests and for
// feeding pre-verified events from a replay job.
func (p *Provider) Reconciler() *billing.Reconciler {
	return p.reconciler
}

// WebhookHandler returns the HTTP handler for Stripe webhooks, wrapped with
// per-IP rate limiting.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

func (p *Provider) priceIDForPlan(plan string) string {
	return p.priceIDs[plan]
}
