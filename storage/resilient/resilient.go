// Package resilient wraps an entitlement.Store with a circuit breaker so a
// struggling backend sheds load fast instead of queueing timeouts.
package resilient

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// State is the current circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned while the breaker refuses calls. It matches
// errors.Is(err, entitlement.ErrStorageUnavailable) so callers degrade the
// same way they would for a direct backend failure.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker open", entitlement.ErrStorageUnavailable)

// Breaker is a consecutive-failure circuit breaker. After Threshold failures
// it opens for ResetTimeout, then lets one probe call through.
type Breaker struct {
	mu sync.Mutex

	state               State
	threshold           int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	onStateChange func(State)

	now func() time.Time
}

// NewBreaker creates a circuit breaker opening after threshold consecutive
// failures and probing again after resetTimeout. onStateChange may be nil.
func NewBreaker(threshold int, resetTimeout time.Duration, onStateChange func(State)) *Breaker {
	return &Breaker{
		state:         StateClosed,
		threshold:     threshold,
		resetTimeout:  resetTimeout,
		onStateChange: onStateChange,
		now:           time.Now,
	}
}

// State returns the current state, surfacing half-open once the reset
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.lastFailureTime) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn unless the circuit is open, recording the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if b.State() == StateOpen {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		b.failure()
		return err
	}
	b.success()
	return nil
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen || b.state == StateOpen {
		b.changeState(StateClosed)
	}
	b.consecutiveFailures = 0
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.lastFailureTime = b.now()

	// A failure in half-open re-opens immediately; the probe lost.
	if b.currentState() == StateHalfOpen || (b.state == StateClosed && b.consecutiveFailures >= b.threshold) {
		b.changeState(StateOpen)
	}
}

func (b *Breaker) changeState(newState State) {
	if b.state == newState {
		return
	}
	b.state = newState
	if b.onStateChange != nil {
		b.onStateChange(newState)
	}
}

// Store wraps an entitlement.Store with circuit breaker protection.
// ErrNotFound and ErrQuotaExceeded are domain answers, not backend
// failures, and never trip the breaker.
type Store struct {
	store entitlement.Store
	cb    *Breaker
}

// New creates a circuit-breaker-protected store.
func New(store entitlement.Store, cb *Breaker) *Store {
	return &Store{store: store, cb: cb}
}

// Breaker returns the underlying circuit breaker, for state inspection.
func (s *Store) Breaker() *Breaker { return s.cb }

func (s *Store) execute(fn func() error) error {
	return s.cb.Execute(func() error {
		err := fn()
		if errors.Is(err, entitlement.ErrNotFound) || errors.Is(err, entitlement.ErrQuotaExceeded) {
			return nil
		}
		return err
	})
}

// Get implements entitlement.Store.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	var rec *entitlement.Record
	var innerErr error
	if err := s.execute(func() error {
		rec, innerErr = s.store.Get(ctx, userID)
		return innerErr
	}); err != nil {
		return nil, err
	}
	return rec, innerErr
}

// GetByCustomerID implements entitlement.Store.
func (s *Store) GetByCustomerID(ctx context.Context, customerID string) (*entitlement.Record, error) {
	var rec *entitlement.Record
	var innerErr error
	if err := s.execute(func() error {
		rec, innerErr = s.store.GetByCustomerID(ctx, customerID)
		return innerErr
	}); err != nil {
		return nil, err
	}
	return rec, innerErr
}

// UpsertByUserID implements entitlement.Store.
func (s *Store) UpsertByUserID(ctx context.Context, userID string, patch entitlement.Patch) (*entitlement.Record, error) {
	var rec *entitlement.Record
	var innerErr error
	if err := s.execute(func() error {
		rec, innerErr = s.store.UpsertByUserID(ctx, userID, patch)
		return innerErr
	}); err != nil {
		return nil, err
	}
	return rec, innerErr
}

// UpsertByCustomerID implements entitlement.Store.
func (s *Store) UpsertByCustomerID(ctx context.Context, customerID string, patch entitlement.Patch) (*entitlement.Record, error) {
	var rec *entitlement.Record
	var innerErr error
	if err := s.execute(func() error {
		rec, innerErr = s.store.UpsertByCustomerID(ctx, customerID, patch)
		return innerErr
	}); err != nil {
		return nil, err
	}
	return rec, innerErr
}

// ConsumeDaily implements entitlement.Store.
func (s *Store) ConsumeDaily(ctx context.Context, userID, day string, limit int) (int, error) {
	var used int
	var innerErr error
	if err := s.execute(func() error {
		used, innerErr = s.store.ConsumeDaily(ctx, userID, day, limit)
		return innerErr
	}); err != nil {
		return 0, err
	}
	return used, innerErr
}

// ResetAllUsage implements entitlement.Store.
func (s *Store) ResetAllUsage(ctx context.Context, day string) (int, error) {
	var n int
	var innerErr error
	if err := s.execute(func() error {
		n, innerErr = s.store.ResetAllUsage(ctx, day)
		return innerErr
	}); err != nil {
		return 0, err
	}
	return n, innerErr
}
