package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/mathsight/mathsight/pkg/billing"
)

// CustomerEmail implements billing.DetailLookup. The checkout session only
// carries a placeholder email; the customer object holds the one Stripe
// collected during payment.
func (p *Provider) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	startTime := time.Now()
	cust, err := p.client.V1Customers.Retrieve(ctx, customerID, nil)
	p.metrics.RecordAPICallDuration(providerName, "/customers/{id}", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/customers/{id}", "error")
		return "", fmt.Errorf("%w: retrieve customer %s: %v", billing.ErrProviderAPIError, customerID, err)
	}
	p.metrics.RecordAPICall(providerName, "/customers/{id}", "success")
	return cust.Email, nil
}

// SubscriptionDetail implements billing.DetailLookup.
func (p *Provider) SubscriptionDetail(ctx context.Context, subscriptionID string) (*billing.SubscriptionDetail, error) {
	startTime := time.Now()
	sub, err := p.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	p.metrics.RecordAPICallDuration(providerName, "/subscriptions/{id}", time.Since(startTime))
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/subscriptions/{id}", "error")
		return nil, fmt.Errorf("%w: retrieve subscription %s: %v", billing.ErrProviderAPIError, subscriptionID, err)
	}
	p.metrics.RecordAPICall(providerName, "/subscriptions/{id}", "success")

	detail := &billing.SubscriptionDetail{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
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
		detail.PeriodEnd = time.Unix(end, 0).UTC()
	}
	return detail, nil
}
