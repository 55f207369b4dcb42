package entitlement

import (
	"context"
	"time"
)

// QuotaView is the combined tier/usage/remaining view returned by Resolve.
// It is used for status display and for the pre-flight check that decides
// whether to attempt a metered operation at all.
type QuotaView struct {
	Tier       Tier      `json:"tier"`
	Premium    bool      `json:"premium"`
	UsageToday int       `json:"usage"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`

	Status            Status    `json:"subscription_status"`
	PeriodEnd         time.Time `json:"period_end,omitzero"`
	CancelAtPeriodEnd bool      `json:"cancel_at_period_end"`
}

// Service is the read path over the meter: it rolls the usage counter over
// when due and reads the current standing without consuming a unit.
type Service struct {
	meter *Meter
}

// NewService creates a query service over the given meter.
func NewService(meter *Meter) *Service {
	return &Service{meter: meter}
}

// Resolve returns the current tier/usage/remaining view for userID. Calling
// it any number of times within the same UTC day, without an intervening
// Commit, returns an identical UsageToday.
func (s *Service) Resolve(ctx context.Context, userID string) (*QuotaView, error) {
	now := s.meter.now().UTC()

	rec, err := s.meter.load(ctx, userID, now)
	if err != nil {
		return nil, err
	}

	limit := s.meter.policy.DailyLimit(rec, now)
	remaining := limit - rec.UsageToday
	if remaining < 0 {
		remaining = 0
	}

	return &QuotaView{
		Tier:              rec.Tier,
		Premium:           rec.PremiumEquivalent(now),
		UsageToday:        rec.UsageToday,
		Limit:             limit,
		Remaining:         remaining,
		ResetAt:           nextMidnightUTC(now),
		Status:            rec.Status,
		PeriodEnd:         rec.PeriodEnd,
		CancelAtPeriodEnd: rec.CancelAtPeriodEnd,
	}, nil
}
