package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// Config holds reconciler configuration.
type Config struct {
	// Lookup fetches billing-object details referenced by events (required
	// for checkout events that do not embed subscription fields).
	Lookup DetailLookup

	// Provider is the provider name used in logs and metrics (e.g. "stripe").
	Provider string

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger

	// Metrics is used for tracking webhook operations (default: NoopMetrics).
	Metrics Metrics
}

// Reconciler applies verified provider lifecycle events to the entitlement
// store. Application is idempotent: replaying an event leaves the record in
// the same state as applying it once, and events older than the record's
// LastEventAt are rejected rather than silently accepted.
//
// The reconciler only ever writes the billing-owned fields (tier, status,
// identifiers, period end); the usage counter belongs to the meter, so the
// two flows never reconcile the same field.
type Reconciler struct {
	store    entitlement.Store
	lookup   DetailLookup
	provider string
	logger   entitlement.Logger
	metrics  Metrics
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store entitlement.Store, config Config) (*Reconciler, error) {
	if store == nil {
		return nil, entitlement.ErrStorageUnavailable
	}
	if config.Provider == "" {
		config.Provider = "unknown"
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Reconciler{
		store:    store,
		lookup:   config.Lookup,
		provider: config.Provider,
		logger:   config.Logger,
		metrics:  config.Metrics,
	}, nil
}

// Apply dispatches an event to its handler. Unknown event types are a
// forward-compatible no-op, not an error.
func (r *Reconciler) Apply(ctx context.Context, ev *Event) error {
	switch ev.Type {
	case EventCheckoutCompleted:
		return r.ApplyCheckoutCompleted(ctx, ev)
	case EventSubscriptionChanged:
		return r.ApplySubscriptionChanged(ctx, ev)
	default:
		r.metrics.RecordWebhookEvent(r.provider, string(ev.Type), "ignored")
		r.logger.Debug("ignoring unhandled event type",
			entitlement.Field{Key: "event_id", Value: ev.ID},
			entitlement.Field{Key: "event_type", Value: string(ev.Type)})
		return nil
	}
}

// ApplyCheckoutCompleted upgrades the user named in the checkout metadata.
// The upsert is keyed by user id, not the provider's identifiers, because the
// local record may predate any provider reference, or not exist at all when
// the checkout happened before the first query.
func (r *Reconciler) ApplyCheckoutCompleted(ctx context.Context, ev *Event) error {
	if ev.UserID == "" || ev.Plan == "" {
		r.metrics.RecordWebhookError(r.provider, "invalid_payload")
		return fmt.Errorf("%w: checkout event %s missing user_id or plan metadata", ErrInvalidEvent, ev.ID)
	}

	tier, err := PlanTier(ev.Plan)
	if err != nil {
		r.metrics.RecordWebhookError(r.provider, "invalid_payload")
		return fmt.Errorf("checkout event %s: %w", ev.ID, err)
	}

	rec, err := r.store.Get(ctx, ev.UserID)
	if err != nil {
		return err
	}

	if !ev.Created.After(rec.LastEventAt) {
		r.metrics.RecordWebhookEvent(r.provider, string(ev.Type), "skipped")
		r.logger.Debug("skipping stale or duplicate event",
			entitlement.Field{Key: "event_id", Value: ev.ID},
			entitlement.Field{Key: "user_id", Value: ev.UserID})
		return nil
	}

	patch := entitlement.Patch{
		Tier:        entitlement.TierPtr(tier),
		Status:      entitlement.StatusPtr(entitlement.StatusActive),
		LastEventAt: entitlement.Time(ev.Created),
	}
	if ev.CustomerID != "" {
		patch.CustomerID = entitlement.String(ev.CustomerID)
	}
	if ev.SubscriptionID != "" {
		patch.SubscriptionID = entitlement.String(ev.SubscriptionID)
	}

	// The checkout session carries a placeholder email at session creation;
	// the customer object holds the one collected during payment.
	if r.lookup != nil && ev.CustomerID != "" {
		email, err := r.lookup.CustomerEmail(ctx, ev.CustomerID)
		if err != nil {
			return fmt.Errorf("fetch customer %s: %w", ev.CustomerID, err)
		}
		if email != "" {
			patch.Email = entitlement.String(email)
		}
	}

	periodEnd := ev.PeriodEnd
	cancelAtPeriodEnd := ev.CancelAtPeriodEnd
	if periodEnd.IsZero() && r.lookup != nil && ev.SubscriptionID != "" {
		detail, err := r.lookup.SubscriptionDetail(ctx, ev.SubscriptionID)
		if err != nil {
			return fmt.Errorf("fetch subscription %s: %w", ev.SubscriptionID, err)
		}
		periodEnd = detail.PeriodEnd
		cancelAtPeriodEnd = detail.CancelAtPeriodEnd
	}
	if !periodEnd.IsZero() {
		patch.PeriodEnd = entitlement.Time(periodEnd)
		patch.CancelAtPeriodEnd = entitlement.Bool(cancelAtPeriodEnd)
	}

	if _, err := r.store.UpsertByUserID(ctx, ev.UserID, patch); err != nil {
		return err
	}

	if rec.Tier != tier {
		r.metrics.RecordTierChange(r.provider, string(rec.Tier), string(tier))
	}
	r.metrics.RecordWebhookEvent(r.provider, string(ev.Type), "success")
	r.logger.Info("checkout completed",
		entitlement.Field{Key: "user_id", Value: ev.UserID},
		entitlement.Field{Key: "tier", Value: string(tier)})
	return nil
}

// ApplySubscriptionChanged maps a subscription lifecycle update onto the
// record that references the event's customer. A customer with no local
// record is a reportable condition, not a crash: the error wraps
// entitlement.ErrNotFound and mutates nothing.
func (r *Reconciler) ApplySubscriptionChanged(ctx context.Context, ev *Event) error {
	if ev.CustomerID == "" {
		r.metrics.RecordWebhookError(r.provider, "invalid_payload")
		return fmt.Errorf("%w: subscription event %s missing customer id", ErrInvalidEvent, ev.ID)
	}

	rec, err := r.store.GetByCustomerID(ctx, ev.CustomerID)
	if errors.Is(err, entitlement.ErrNotFound) {
		r.metrics.RecordWebhookError(r.provider, "unknown_customer")
		r.logger.Warn("no entitlement record for customer",
			entitlement.Field{Key: "event_id", Value: ev.ID},
			entitlement.Field{Key: "customer_id", Value: ev.CustomerID})
		return fmt.Errorf("customer %s: %w", ev.CustomerID, err)
	}
	if err != nil {
		return err
	}

	if !ev.Created.After(rec.LastEventAt) {
		r.metrics.RecordWebhookEvent(r.provider, string(ev.Type), "skipped")
		r.logger.Debug("skipping stale or duplicate event",
			entitlement.Field{Key: "event_id", Value: ev.ID},
			entitlement.Field{Key: "customer_id", Value: ev.CustomerID})
		return nil
	}

	status := entitlement.ParseStatus(ev.Status)
	patch := entitlement.Patch{
		Status:            entitlement.StatusPtr(status),
		CancelAtPeriodEnd: entitlement.Bool(ev.CancelAtPeriodEnd),
		LastEventAt:       entitlement.Time(ev.Created),
	}
	// A canceled event may carry no period end; the last known value stands.
	if !ev.PeriodEnd.IsZero() {
		patch.PeriodEnd = entitlement.Time(ev.PeriodEnd)
	}

	if _, err := r.store.UpsertByCustomerID(ctx, ev.CustomerID, patch); err != nil {
		return err
	}

	r.metrics.RecordWebhookEvent(r.provider, string(ev.Type), "success")
	r.logger.Info("subscription updated",
		entitlement.Field{Key: "user_id", Value: rec.UserID},
		entitlement.Field{Key: "status", Value: string(status)})
	return nil
}

// PlanTier maps a checkout plan name to a tier. "yearly" is accepted as a
// legacy alias for annual.
func PlanTier(plan string) (entitlement.Tier, error) {
	switch plan {
	case "monthly":
		return entitlement.TierMonthly, nil
	case "annual", "yearly":
		return entitlement.TierAnnual, nil
	case "lifetime":
		return entitlement.TierLifetime, nil
	default:
		return "", fmt.Errorf("%w: unknown plan %q", ErrInvalidEvent, plan)
	}
}
