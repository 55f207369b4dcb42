// Package memory provides an in-memory implementation of the
// entitlement.Store interface, primarily for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// Store implements entitlement.Store using in-memory maps guarded by a mutex.
// ConsumeDaily runs under the same lock, so the reset-and-increment is atomic.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*entitlement.Record
	customers map[string]string // provider customer id -> user id

	// Now returns the current time; tests override it.
	Now func() time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records:   make(map[string]*entitlement.Record),
		customers: make(map[string]string),
		Now:       time.Now,
	}
}

// Get implements entitlement.Store. A missing record is created as a default
// free record, persisted, and returned.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateLocked(userID)
	cp := *rec
	return &cp, nil
}

// GetByCustomerID implements entitlement.Store.
func (s *Store) GetByCustomerID(ctx context.Context, customerID string) (*entitlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.customers[customerID]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	rec, ok := s.records[userID]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// UpsertByUserID implements entitlement.Store.
func (s *Store) UpsertByUserID(ctx context.Context, userID string, patch entitlement.Patch) (*entitlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateLocked(userID)
	s.applyLocked(rec, patch)
	cp := *rec
	return &cp, nil
}

// UpsertByCustomerID implements entitlement.Store.
func (s *Store) UpsertByCustomerID(ctx context.Context, customerID string, patch entitlement.Patch) (*entitlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.customers[customerID]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	rec, ok := s.records[userID]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	s.applyLocked(rec, patch)
	cp := *rec
	return &cp, nil
}

// ConsumeDaily implements entitlement.Store. The whole reset-check-increment
// runs under the write lock, closing the concurrent undercounting race.
func (s *Store) ConsumeDaily(ctx context.Context, userID, day string, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreateLocked(userID)
	if rec.LastResetDate != day {
		rec.UsageToday = 0
		rec.LastResetDate = day
	}
	if rec.UsageToday >= limit {
		return rec.UsageToday, entitlement.ErrQuotaExceeded
	}
	rec.UsageToday++
	rec.UpdatedAt = s.Now().UTC()
	return rec.UsageToday, nil
}

// ResetAllUsage implements entitlement.Store.
func (s *Store) ResetAllUsage(ctx context.Context, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now().UTC()
	n := 0
	for _, rec := range s.records {
		rec.UsageToday = 0
		rec.LastResetDate = day
		rec.UpdatedAt = now
		n++
	}
	return n, nil
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*entitlement.Record)
	s.customers = make(map[string]string)
}

// getOrCreateLocked returns the stored record, creating it if absent.
func (s *Store) getOrCreateLocked(userID string) *entitlement.Record {
	rec, ok := s.records[userID]
	if !ok {
		rec = entitlement.NewRecord(userID, s.Now().UTC())
		s.records[userID] = rec
	}
	return rec
}

// applyLocked applies the patch and keeps the customer index in sync.
func (s *Store) applyLocked(rec *entitlement.Record, patch entitlement.Patch) {
	if patch.CustomerID != nil && *patch.CustomerID != rec.CustomerID {
		if rec.CustomerID != "" {
			delete(s.customers, rec.CustomerID)
		}
		if *patch.CustomerID != "" {
			s.customers[*patch.CustomerID] = rec.UserID
		}
	}
	patch.Apply(rec, s.Now().UTC())
}
