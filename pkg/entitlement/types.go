package entitlement

import "time"

// Tier is the product plan level governing quota.
type Tier string

const (
	// TierFree is the default tier and the terminal fallback on any ambiguity.
	TierFree Tier = "free"
	// TierMonthly is a recurring monthly subscription.
	TierMonthly Tier = "monthly"
	// TierAnnual is a recurring annual subscription.
	TierAnnual Tier = "annual"
	// TierLifetime is a one-time purchase with no expiry.
	TierLifetime Tier = "lifetime"
)

// Status is the local view of the provider's subscription status.
type Status string

const (
	StatusActive     Status = "active"
	StatusCanceled   Status = "canceled"
	StatusPastDue    Status = "past_due"
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusNone       Status = "none"
)

// ParseStatus maps a provider status string onto the local enum.
// Unknown values resolve to StatusNone (free-equivalent).
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusActive, StatusCanceled, StatusPastDue, StatusIncomplete, StatusTrialing:
		return Status(s)
	default:
		return StatusNone
	}
}

// DayFormat is the layout of LastResetDate: a UTC calendar date, not a timestamp.
const DayFormat = "2006-01-02"

// Day returns the UTC calendar date for t in DayFormat.
func Day(t time.Time) string {
	return t.UTC().Format(DayFormat)
}

// Record is the per-user entitlement aggregate. Exactly one exists per UserID;
// it is created lazily on first access and never deleted by this package.
type Record struct {
	// UserID is the opaque stable identifier, immutable once created.
	UserID string

	// Email is best-effort contact info; a placeholder until a real
	// payment email is observed at checkout.
	Email string

	// CustomerID is the provider's billing-customer reference. It may be
	// stale (e.g. a test/live environment switch) and is treated as
	// unverified until re-confirmed against the provider.
	CustomerID string

	// SubscriptionID is present only while a recurring subscription exists.
	SubscriptionID string

	Tier   Tier
	Status Status

	// PeriodEnd marks when current paid access lapses. Irrelevant for lifetime.
	PeriodEnd time.Time

	// CancelAtPeriodEnd is informational only and does not change current access.
	CancelAtPeriodEnd bool

	// UsageToday increases monotonically within a day and resets exactly
	// once per UTC calendar day.
	UsageToday int

	// LastResetDate is the UTC calendar date of the last counter reset,
	// in DayFormat. It is the rollover guard.
	LastResetDate string

	// LastEventAt is the Created timestamp of the last billing event
	// applied to this record. Events not newer than it are rejected.
	LastEventAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// PremiumEquivalent reports whether the record grants premium quota at now:
// lifetime always, otherwise a recurring tier with an active subscription
// whose period end is in the future. Every other combination is free.
func (r *Record) PremiumEquivalent(now time.Time) bool {
	if r.Tier == TierLifetime {
		return true
	}
	if r.Tier != TierMonthly && r.Tier != TierAnnual {
		return false
	}
	return r.Status == StatusActive && r.PeriodEnd.After(now)
}

// Patch is a partial-field update. Nil fields are left untouched.
// Applying any patch updates the record's UpdatedAt.
type Patch struct {
	Email             *string
	CustomerID        *string
	SubscriptionID    *string
	Tier              *Tier
	Status            *Status
	PeriodEnd         *time.Time
	CancelAtPeriodEnd *bool
	UsageToday        *int
	LastResetDate     *string
	LastEventAt       *time.Time
}

// Apply writes the non-nil patch fields onto rec and stamps UpdatedAt.
// Storage backends that hold full records use this to share patch semantics.
func (p Patch) Apply(rec *Record, now time.Time) {
	if p.Email != nil {
		rec.Email = *p.Email
	}
	if p.CustomerID != nil {
		rec.CustomerID = *p.CustomerID
	}
	if p.SubscriptionID != nil {
		rec.SubscriptionID = *p.SubscriptionID
	}
	if p.Tier != nil {
		rec.Tier = *p.Tier
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.PeriodEnd != nil {
		rec.PeriodEnd = *p.PeriodEnd
	}
	if p.CancelAtPeriodEnd != nil {
		rec.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	if p.UsageToday != nil {
		rec.UsageToday = *p.UsageToday
	}
	if p.LastResetDate != nil {
		rec.LastResetDate = *p.LastResetDate
	}
	if p.LastEventAt != nil {
		rec.LastEventAt = *p.LastEventAt
	}
	rec.UpdatedAt = now
}

// Helper constructors for patch fields.

// String returns a pointer to s for use in a Patch.
func String(s string) *string { return &s }

// Int returns a pointer to i for use in a Patch.
func Int(i int) *int { return &i }

// Bool returns a pointer to b for use in a Patch.
func Bool(b bool) *bool { return &b }

// Time returns a pointer to t for use in a Patch.
func Time(t time.Time) *time.Time { return &t }

// TierPtr returns a pointer to t for use in a Patch.
func TierPtr(t Tier) *Tier { return &t }

// StatusPtr returns a pointer to s for use in a Patch.
func StatusPtr(s Status) *Status { return &s }

// QuotaPolicy holds the per-tier daily limits. Values are configuration,
// never hard-coded at call sites.
type QuotaPolicy struct {
	// FreeDaily is the daily limit for free-equivalent users.
	FreeDaily int

	// PremiumDaily is the daily limit for premium-equivalent users.
	PremiumDaily int
}

// DefaultQuotaPolicy returns the product defaults: 10/day free, 500/day premium.
func DefaultQuotaPolicy() QuotaPolicy {
	return QuotaPolicy{FreeDaily: 10, PremiumDaily: 500}
}

// DailyLimit returns the quota implied by the record's current tier and
// status. The limit is always derived from the live record, never cached.
func (p QuotaPolicy) DailyLimit(rec *Record, now time.Time) int {
	if rec.PremiumEquivalent(now) {
		return p.PremiumDaily
	}
	return p.FreeDaily
}

// NewRecord returns a default free record for userID, as created on first
// access. Email stays empty until a real payment email is observed.
func NewRecord(userID string, now time.Time) *Record {
	return &Record{
		UserID:        userID,
		Tier:          TierFree,
		Status:        StatusNone,
		LastResetDate: Day(now),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
