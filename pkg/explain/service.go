package explain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// Config holds explanation service configuration.
type Config struct {
	// Meter enforces the caller's daily quota (required).
	Meter *entitlement.Meter

	// Generator produces explanation text on cache misses (required).
	Generator Generator

	// Cache stores generated explanations (default: MemoryCache with
	// DefaultCacheTTL).
	Cache Cache

	// Logger is used for structured logging (default: NoopLogger).
	Logger entitlement.Logger

	// Now returns the current time (default: time.Now). Tests override it.
	Now func() time.Time
}

// Service orchestrates one explanation request: quota check, cache lookup,
// generation, and the final usage commit.
//
// The quota unit is consumed when a response is served, regardless of where
// it came from: a cache hit commits, a generator failure does not. Concurrent
// requests for the same symbol and context share a single generator call
// through singleflight, but each caller still commits its own unit.
type Service struct {
	meter     *entitlement.Meter
	cache     Cache
	generator Generator
	logger    entitlement.Logger
	now       func() time.Time
	group     singleflight.Group
}

// NewService creates the explanation service.
func NewService(config Config) (*Service, error) {
	if config.Meter == nil {
		return nil, errors.New("explain: meter is required")
	}
	if config.Generator == nil {
		return nil, errors.New("explain: generator is required")
	}
	if config.Cache == nil {
		config.Cache = NewMemoryCache(0, 0)
	}
	if config.Logger == nil {
		config.Logger = &entitlement.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Service{
		meter:     config.Meter,
		cache:     config.Cache,
		generator: config.Generator,
		logger:    config.Logger,
		now:       config.Now,
	}, nil
}

// CacheStats returns the underlying cache's statistics.
func (s *Service) CacheStats() CacheStats { return s.cache.Stats() }

// Explain serves one explanation for userID. A declined quota check returns
// *entitlement.QuotaExceededError; an upstream failure returns an error
// wrapping ErrUpstreamUnavailable and consumes nothing.
func (s *Service) Explain(ctx context.Context, userID, symbol, contextText string) (*Result, error) {
	dec, err := s.meter.CheckAndConsume(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		return nil, &entitlement.QuotaExceededError{Limit: dec.Limit, ResetAt: dec.ResetAt}
	}

	key := CacheKey(symbol, contextText)

	if exp, ok := s.cache.Get(key); ok {
		remaining, err := s.commit(ctx, userID, dec)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("served explanation from cache",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "symbol", Value: symbol})
		return &Result{Explanation: *exp, Cached: true, RemainingToday: remaining}, nil
	}

	shared, err, _ := s.group.Do(key, func() (interface{}, error) {
		text, err := s.generator.Generate(ctx, symbol, contextText)
		if err != nil {
			if errors.Is(err, ErrUpstreamUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		exp := &Explanation{
			Symbol:      symbol,
			Explanation: text,
			Category:    InferCategory(symbol),
			GeneratedAt: s.now().UTC(),
		}
		s.cache.Set(key, exp)
		return exp, nil
	})
	if err != nil {
		s.logger.Error("explanation generation failed",
			entitlement.Field{Key: "user_id", Value: userID},
			entitlement.Field{Key: "symbol", Value: symbol},
			entitlement.Field{Key: "error", Value: err.Error()})
		return nil, err
	}

	exp := shared.(*Explanation)
	remaining, err := s.commit(ctx, userID, dec)
	if err != nil {
		return nil, err
	}
	return &Result{Explanation: *exp, Cached: false, RemainingToday: remaining}, nil
}

// commit consumes the caller's unit. A concurrent flood can exhaust the
// quota between check and commit; the store's atomic increment catches that
// and the decline surfaces here with the same structured error as a failed
// check.
func (s *Service) commit(ctx context.Context, userID string, dec *entitlement.Decision) (int, error) {
	used, err := s.meter.Commit(ctx, userID)
	if errors.Is(err, entitlement.ErrQuotaExceeded) {
		return 0, &entitlement.QuotaExceededError{Limit: dec.Limit, ResetAt: dec.ResetAt}
	}
	if err != nil {
		return 0, err
	}
	remaining := dec.Limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
