package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mathsight/mathsight/pkg/billing"
	"github.com/mathsight/mathsight/pkg/billing/internal"
	"github.com/mathsight/mathsight/pkg/entitlement"
)

// handleWebhook verifies and processes incoming Stripe webhook events.
//
// Response codes steer Stripe's transport retry: 500 for transient failures
// (store or API down), 200 for everything semantically unprocessable:
// malformed payloads and unknown customers are logged and dropped, since
// redelivery cannot fix them.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	w.Header().Set("Cache-Control", "no-store")

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
		}
		return
	}

	event, err := stripe.ConstructEvent(body, r.Header.Get("Stripe-Signature"), string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	err = p.processEvent(r.Context(), &event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))

	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	case errors.Is(err, billing.ErrInvalidEvent) || errors.Is(err, entitlement.ErrNotFound):
		// Dropped with a log entry; redelivery cannot repair these.
		p.logger.Warn("dropping unprocessable webhook event",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()})
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("dropped"))
	default:
		p.logger.Error("webhook processing failed",
			entitlement.Field{Key: "event_id", Value: event.ID},
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.Field{Key: "error", Value: err.Error()})
		p.metrics.RecordWebhookError(providerName, "processing_error")
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
	}
}

// processEvent maps a verified Stripe event onto the neutral event model and
// hands it to the reconciler. Unhandled event types are ignored.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		ev, err := p.checkoutEvent(event)
		if err != nil {
			return err
		}
		return p.reconciler.ApplyCheckoutCompleted(ctx, ev)
	case "customer.subscription.updated", "customer.subscription.deleted":
		ev, err := p.subscriptionEvent(event)
		if err != nil {
			return err
		}
		return p.reconciler.ApplySubscriptionChanged(ctx, ev)
	default:
		p.metrics.RecordWebhookEvent(providerName, string(event.Type), "ignored")
		return nil
	}
}

func (p *Provider) checkoutEvent(event *stripe.Event) (*billing.Event, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: unmarshal checkout session: %v", billing.ErrInvalidEvent, err)
	}

	ev := &billing.Event{
		ID:      event.ID,
		Type:    billing.EventCheckoutCompleted,
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if session.Metadata != nil {
		ev.UserID = session.Metadata["user_id"]
		ev.Plan = session.Metadata["plan"]
	}
	if session.Customer != nil {
		ev.CustomerID = session.Customer.ID
	}
	if session.Subscription != nil {
		ev.SubscriptionID = session.Subscription.ID
	}
	return ev, nil
}

func (p *Provider) subscriptionEvent(event *stripe.Event) (*billing.Event, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: unmarshal subscription: %v", billing.ErrInvalidEvent, err)
	}

	ev := &billing.Event{
		ID:                event.ID,
		Type:              billing.EventSubscriptionChanged,
		Created:           time.Unix(event.Created, 0).UTC(),
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		PeriodEnd:         subscriptionPeriodEnd(event.Data.Raw, &sub),
	}
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	return ev, nil
}

// subscriptionPeriodEnd extracts current_period_end from the event payload.
// Older API versions carry it on the subscription, newer ones on the items;
// the raw JSON is checked first so both shapes work.
func subscriptionPeriodEnd(raw json.RawMessage, sub *stripe.Subscription) time.Time {
	var sidecar struct {
		CurrentPeriodEnd int64 `json:"current_period_end"`
	}
	if err := json.Unmarshal(raw, &sidecar); err == nil && sidecar.CurrentPeriodEnd > 0 {
		return time.Unix(sidecar.CurrentPeriodEnd, 0).UTC()
	}

	var end int64
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > end {
				end = item.CurrentPeriodEnd
			}
		}
	}
	if end == 0 {
		return time.Time{}
	}
	return time.Unix(end, 0).UTC()
}
