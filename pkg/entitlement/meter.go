package entitlement

import (
	"context"
	"time"
)

// Config holds meter configuration.
type Config struct {
	// Policy holds the per-tier daily limits (default: DefaultQuotaPolicy).
	Policy QuotaPolicy

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking metering operations (default: NoopMetrics).
	Metrics Metrics

	// Now returns the current time (default: time.Now). Tests override it.
	Now func() time.Time
}

// Decision is the result of a quota check. A declined check is not an error.
type Decision struct {
	// Allowed reports whether the caller may perform the metered operation.
	Allowed bool

	// Tier is the tier the limit was derived from.
	Tier Tier

	// Limit is the daily quota implied by the record's current tier and status.
	Limit int

	// Remaining is the number of units left today, 0 when declined.
	Remaining int

	// ResetAt is the next UTC midnight, when the counter rolls over.
	ResetAt time.Time
}

// Meter enforces the per-user daily quota against a Store.
//
// Check and commit are split on purpose: a cache hit downstream still counts
// as one consumed unit, while a failed generator call must not consume one.
// Commit is only called once a successful response body is ready.
type Meter struct {
	store   Store
	policy  QuotaPolicy
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewMeter creates a meter over the given store.
func NewMeter(store Store, config Config) (*Meter, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Policy == (QuotaPolicy{}) {
		config.Policy = DefaultQuotaPolicy()
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Meter{
		store:   store,
		policy:  config.Policy,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}, nil
}

// Policy returns the configured quota policy.
func (m *Meter) Policy() QuotaPolicy { return m.policy }

// CheckAndConsume loads the record, applies the daily rollover if due, and
// reports whether one more unit may be consumed today. The counter is never
// mutated here; callers perform the metered operation and then call Commit.
func (m *Meter) CheckAndConsume(ctx context.Context, userID string) (*Decision, error) {
	now := m.now().UTC()

	rec, err := m.load(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	limit := m.policy.DailyLimit(rec, now)
	dec := &Decision{
		Tier:    rec.Tier,
		Limit:   limit,
		ResetAt: nextMidnightUTC(now),
	}

	if rec.UsageToday >= limit {
		dec.Allowed = false
		dec.Remaining = 0
		m.metrics.RecordQuotaCheck(string(rec.Tier), "declined")
		m.logger.Debug("quota check declined",
			Field{Key: "user_id", Value: userID},
			Field{Key: "used", Value: rec.UsageToday},
			Field{Key: "limit", Value: limit})
		return dec, nil
	}

	dec.Allowed = true
	dec.Remaining = limit - rec.UsageToday
	m.metrics.RecordQuotaCheck(string(rec.Tier), "allowed")
	return dec, nil
}

// Commit consumes one unit of today's quota and returns the new counter value.
// The limit is re-derived from the freshly loaded record, never a cached
// value, and the store applies the increment atomically: a concurrent commit
// racing past an earlier check still cannot push the counter over the limit.
func (m *Meter) Commit(ctx context.Context, userID string) (int, error) {
	now := m.now().UTC()

	rec, err := m.load(ctx, userID, now)
	if err != nil {
		return 0, err
	}

	limit := m.policy.DailyLimit(rec, now)

	start := m.now()
	used, err := m.store.ConsumeDaily(ctx, userID, Day(now), limit)
	m.metrics.RecordStorageOperation("consume_daily", m.now().Sub(start), err)
	if err != nil {
		m.metrics.RecordCommit(string(rec.Tier), false)
		return 0, err
	}

	m.metrics.RecordCommit(string(rec.Tier), true)
	return used, nil
}

// load fetches the record and applies the daily-reset transition when due.
// The transition commutes with itself: re-applying it on the same day is a
// no-op, so it runs before every check, commit, and resolve.
func (m *Meter) load(ctx context.Context, userID string, now time.Time) (*Record, error) {
	rec, err := m.store.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	today := Day(now)
	if rec.LastResetDate == today {
		return rec, nil
	}

	rec, err = m.store.UpsertByUserID(ctx, userID, Patch{
		UsageToday:    Int(0),
		LastResetDate: String(today),
	})
	if err != nil {
		return nil, err
	}

	m.metrics.RecordRollover()
	m.logger.Debug("daily usage reset",
		Field{Key: "user_id", Value: userID},
		Field{Key: "date", Value: today})
	return rec, nil
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
