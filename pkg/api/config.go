package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mathsight/mathsight/pkg/entitlement"
	"github.com/mathsight/mathsight/pkg/explain"
)

// BillingProvider is the slice of the billing provider the HTTP surface
// needs: redirect URLs for checkout and the customer portal.
type BillingProvider interface {
	CheckoutURL(ctx context.Context, userID, email, plan, successURL, cancelURL string) (string, error)
	PortalURL(ctx context.Context, userID, returnURL string) (string, error)
}

// Config holds configuration for the API handler.
type Config struct {
	// Service resolves subscription and quota views (required).
	Service *entitlement.Service

	// Explainer serves metered explanations (required).
	Explainer *explain.Service

	// GetUserID extracts the user ID from an HTTP request (required).
	GetUserID func(*http.Request) string

	// Store is needed by the admin usage-reset endpoint. Optional; without
	// it ResetUsage answers 503.
	Store entitlement.Store

	// Billing serves checkout and portal redirects. Optional; without it
	// the billing endpoints answer 503.
	Billing BillingProvider

	// SuccessURL and CancelURL are where checkout sessions send the user
	// back to. Required when Billing is set.
	SuccessURL string
	CancelURL  string

	// PortalReturnURL is where the customer portal sends the user back to.
	PortalReturnURL string

	// OnError handles internal errors. If nil, a plain 500 is written.
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Service == nil {
		return fmt.Errorf("service is required")
	}
	if c.Explainer == nil {
		return fmt.Errorf("explainer is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates an API handler with the given configuration.
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// FromHeader returns a GetUserID function that extracts the user ID from a
// header.
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts the user ID from the
// request context. Uses the same context key pattern as middleware/http.
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
