// Package billing reconciles payment-provider lifecycle events into local
// entitlement records. Events arrive at-least-once and possibly out of order;
// application is idempotent and stale events are rejected.
package billing

import (
	"context"
	"time"
)

// EventType identifies a provider lifecycle event in provider-neutral terms.
type EventType string

const (
	// EventCheckoutCompleted fires when a checkout session finishes paying.
	EventCheckoutCompleted EventType = "checkout.completed"

	// EventSubscriptionChanged fires when a subscription is updated or canceled.
	EventSubscriptionChanged EventType = "subscription.changed"
)

// Event is a verified provider event. Signature and authenticity checks
// happen in the provider adapter before an Event is constructed; the
// Reconciler assumes it only ever sees verified events.
type Event struct {
	// ID is the provider's event identifier, used for logging.
	ID string

	// Type selects the reconciliation path. Unknown types are ignored.
	Type EventType

	// Created is the provider-side event timestamp. Events not newer than
	// the record's last applied event are dropped as stale or duplicate.
	Created time.Time

	// UserID and Plan come from checkout-session metadata. UserID is the
	// upsert key for checkout events because the local record may predate
	// any provider identifier.
	UserID string
	Plan   string

	// CustomerID is the provider billing-customer reference, the lookup
	// key for subscription change events.
	CustomerID string

	// SubscriptionID is the provider subscription reference, when present.
	SubscriptionID string

	// Status is the provider's subscription status string.
	Status string

	// PeriodEnd is when the current paid period lapses. Zero when the
	// event does not carry one.
	PeriodEnd time.Time

	// CancelAtPeriodEnd mirrors the provider flag verbatim.
	CancelAtPeriodEnd bool
}

// SubscriptionDetail is the synchronous detail view fetched from the provider
// when an event references a subscription without embedding its fields.
type SubscriptionDetail struct {
	ID                string
	Status            string
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// DetailLookup fetches billing-object details referenced by events.
// The Stripe provider implements it; tests use fakes.
type DetailLookup interface {
	// CustomerEmail returns the customer's billing email.
	CustomerEmail(ctx context.Context, customerID string) (string, error)

	// SubscriptionDetail returns the subscription's current state.
	SubscriptionDetail(ctx context.Context, subscriptionID string) (*SubscriptionDetail, error)
}
