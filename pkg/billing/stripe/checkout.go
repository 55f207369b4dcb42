package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mathsight/mathsight/pkg/billing"
	"github.com/mathsight/mathsight/pkg/entitlement"
)

// CheckoutURL creates a Stripe Checkout Session for the given plan and
// returns the URL to redirect the user to. The session carries user_id and
// plan in its metadata so the webhook handler can attribute the completed
// checkout without a separate lookup.
//
// A customer ID already stored for the user is re-verified against Stripe
// before reuse. Stored IDs go stale when the account switches between test
// and live mode; reusing one makes session creation fail outright, so an
// unverifiable ID is discarded and a fresh customer is created instead.
func (p *Provider) CheckoutURL(ctx context.Context, userID, email, plan, successURL, cancelURL string) (string, error) {
	startTime := time.Now()

	priceID := p.priceIDForPlan(plan)
	if priceID == "" {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "plan_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrPlanNotConfigured, plan)
	}

	customerID, err := p.ensureCustomer(ctx, userID, email)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", err
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(customerID),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	if plan == "lifetime" {
		// Lifetime is a one-time purchase, not a recurring subscription.
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
	}
	params.AddMetadata("user_id", userID)
	params.AddMetadata("plan", plan)

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")

	return session.URL, nil
}

// PortalURL creates a Stripe Customer Portal session so the user can manage
// or cancel their subscription. The user must already have a verified
// customer; portal sessions cannot be created for unknown customers.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	startTime := time.Now()

	rec, err := p.store.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load entitlement for %s: %w", userID, err)
	}
	if rec.CustomerID == "" {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(rec.CustomerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.client.V1BillingPortalSessions.Create(ctx, params)
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")

	return session.URL, nil
}

// ensureCustomer returns a verified Stripe customer ID for the user,
// creating one when none exists or the stored one no longer resolves.
func (p *Provider) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	rec, err := p.store.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load entitlement for %s: %w", userID, err)
	}

	if rec.CustomerID != "" {
		if _, err := p.client.V1Customers.Retrieve(ctx, rec.CustomerID, nil); err == nil {
			return rec.CustomerID, nil
		}
		p.logger.Warn("stored customer no longer resolves, creating a new one",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "customer_id", Value: rec.CustomerID},
		)
	}

	createParams := &stripe.CustomerCreateParams{}
	if email != "" {
		createParams.Email = stripe.String(email)
	}
	createParams.AddMetadata("user_id", userID)

	startTime := time.Now()
	cust, err := p.client.V1Customers.Create(ctx, createParams)
	p.metrics.RecordAPICallDuration(providerName, "/customers", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/customers", "error")
		return "", fmt.Errorf("%w: create customer: %v", billing.ErrProviderAPIError, err)
	}
	p.metrics.RecordAPICall(providerName, "/customers", "success")

	patch := entitlement.Patch{CustomerID: entitlement.String(cust.ID)}
	if email != "" {
		patch.Email = entitlement.String(email)
	}
	if _, err := p.store.UpsertByUserID(ctx, userID, patch); err != nil {
		return "", fmt.Errorf("persist customer id for %s: %w", userID, err)
	}

	p.logger.Info("created billing customer",
		entitlement.Field{Key: "user_id", Value: userID},
		entitlement.Field{Key: "customer_id", Value: cust.ID},
	)
	return cust.ID, nil
}
