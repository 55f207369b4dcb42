package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mathsight/mathsight/pkg/billing"
	"github.com/mathsight/mathsight/pkg/entitlement"
)

// SyncUser reconciles a user's entitlement directly from the Stripe API.
// Webhooks are the normal path; this is the repair path for users whose
// events were missed (downtime, misconfigured endpoint) or who restore a
// purchase on a new device. It fetches the customer's subscriptions and
// writes the current state through the same store the reconciler uses.
func (p *Provider) SyncUser(ctx context.Context, userID string) (*entitlement.Record, error) {
	startTime := time.Now()

	rec, err := p.store.Get(ctx, userID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return nil, fmt.Errorf("load entitlement for %s: %w", userID, err)
	}

	customerID := rec.CustomerID
	if customerID == "" {
		customerID, err = p.findCustomer(ctx, userID)
		if errors.Is(err, billing.ErrCustomerNotFound) {
			// Never checked out. Nothing to sync; the record stays free.
			p.metrics.RecordUserSync(providerName, "success")
			p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))
			return rec, nil
		}
		if err != nil {
			p.metrics.RecordUserSync(providerName, "error")
			return nil, err
		}
		if _, err := p.store.UpsertByUserID(ctx, userID, entitlement.Patch{
			CustomerID: entitlement.String(customerID),
		}); err != nil {
			p.metrics.RecordUserSync(providerName, "error")
			return nil, fmt.Errorf("persist customer id for %s: %w", userID, err)
		}
	}

	sub, err := p.latestSub(ctx, customerID)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return nil, err
	}

	patch := entitlement.Patch{LastEventAt: entitlement.Time(time.Now().UTC())}
	if sub == nil {
		// Customer exists but holds no subscription. A lifetime purchase has
		// no subscription object, so only downgrade recurring tiers.
		if rec.Tier == entitlement.TierMonthly || rec.Tier == entitlement.TierAnnual {
			patch.Status = entitlement.StatusPtr(entitlement.StatusCanceled)
		}
	} else {
		status := entitlement.ParseStatus(string(sub.Status))
		patch.Status = entitlement.StatusPtr(status)
		patch.SubscriptionID = entitlement.String(sub.ID)
		patch.CancelAtPeriodEnd = entitlement.Bool(sub.CancelAtPeriodEnd)
		if plan := p.planForSubscription(sub); plan != "" {
			tier, terr := billing.PlanTier(plan)
			if terr == nil && tier != rec.Tier {
				p.metrics.RecordTierChange(providerName, string(rec.Tier), string(tier))
				patch.Tier = entitlement.TierPtr(tier)
			}
		}
		var end int64
		if sub.Items != nil {
			for _, item := range sub.Items.Data {
				if item.CurrentPeriodEnd > end {
					end = item.CurrentPeriodEnd
				}
			}
		}
		if end > 0 {
			patch.PeriodEnd = entitlement.Time(time.Unix(end, 0).UTC())
		}
	}

	updated, err := p.store.UpsertByUserID(ctx, userID, patch)
	if err != nil {
		p.metrics.RecordUserSync(providerName, "error")
		return nil, fmt.Errorf("sync entitlement for %s: %w", userID, err)
	}
	p.metrics.RecordUserSync(providerName, "success")
	p.metrics.RecordUserSyncDuration(providerName, time.Since(startTime))

	p.logger.Info("synced user from provider",
		entitlement.Field{Key: "user_id", Value: userID},
		entitlement.Field{Key: "customer_id", Value: customerID},
		entitlement.Field{Key: "tier", Value: string(updated.Tier)},
		entitlement.Field{Key: "duration_ms", Value: time.Since(startTime).Milliseconds()},
	)
	return updated, nil
}

// searchCustomerByMetadata finds a customer by the user_id metadata written
// at customer creation. The Search API is eventually consistent and slow
// (~500ms), which is why the stored customer ID is always preferred.
func (p *Provider) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['user_id']:'%s'", userID)

	startTime := time.Now()
	for cust, err := range p.client.V1Customers.Search(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/customers/search", "error")
			return "", fmt.Errorf("%w: customer search: %v", billing.ErrProviderAPIError, err)
		}
		// Search can return partial matches; confirm before trusting it.
		if cust.Metadata != nil && cust.Metadata["user_id"] == userID {
			p.metrics.RecordAPICall(providerName, "/customers/search", "success")
			p.metrics.RecordAPICallDuration(providerName, "/customers/search", time.Since(startTime))
			return cust.ID, nil
		}
	}
	p.metrics.RecordAPICall(providerName, "/customers/search", "not_found")

	return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
}

// latestSubscription returns the customer's most recently created
// subscription across all statuses, or nil when there are none. Canceled
// subscriptions are included on purpose: a sync after the final webhook was
// missed still has to observe the cancellation.
func (p *Provider) latestSubscription(ctx context.Context, customerID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	var latest *stripe.Subscription
	startTime := time.Now()
	for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			p.metrics.RecordAPICall(providerName, "/subscriptions", "error")
			return nil, fmt.Errorf("%w: list subscriptions: %v", billing.ErrProviderAPIError, err)
		}
		if latest == nil || sub.Created > latest.Created {
			latest = sub
		}
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions", time.Since(startTime))

	return latest, nil
}

// planForSubscription maps the subscription's price back to a configured
// plan name. Empty when the price is not one of ours.
func (p *Provider) planForSubscription(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item.Price == nil {
			continue
		}
		for plan, priceID := range p.priceIDs {
			if priceID == item.Price.ID {
				return plan
			}
		}
	}
	return ""
}
