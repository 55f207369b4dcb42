// Package tiered provides a hot/cold composition of two entitlement stores:
// a fast ephemeral backend (e.g. Redis) absorbs the per-request counter
// traffic while a durable backend (e.g. Postgres, Firestore) stays the
// source of truth for entitlement fields.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// Config configures the tiered store.
type Config struct {
	// Hot is the fast backend carrying today's usage counters.
	Hot entitlement.Store

	// Cold is the durable backend and the source of truth for
	// entitlement fields.
	Cold entitlement.Store

	// AsyncUsageSync makes the cold-side counter mirror non-blocking.
	// When false, ConsumeDaily waits for the cold write.
	AsyncUsageSync bool

	// SyncBufferSize is the async queue depth. Default: 1000.
	SyncBufferSize int

	// AsyncErrorHandler is called when an async cold write fails.
	// Essential for monitoring consistency drift.
	AsyncErrorHandler func(error)
}

// Store routes entitlement operations across a hot and a cold backend.
// Consumption is decided on the hot store and mirrored to the cold store;
// upserts write through cold first, then hot.
type Store struct {
	hot  entitlement.Store
	cold entitlement.Store
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered store.
func New(config Config) (*Store, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered: both hot and cold stores are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Store{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncUsageSync {
		s.startWorker()
	}
	return s, nil
}

// Close drains the async queue and stops the worker.
func (s *Store) Close() error {
	if s.conf.AsyncUsageSync {
		close(s.shutdown)
		s.wg.Wait()
	}
	return nil
}

// Get implements entitlement.Store. Entitlement fields come from the cold
// store; the usage counter comes from whichever side has seen more of
// today, so a flushed hot store cannot under-report.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	rec, err := s.cold.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	hotRec, err := s.hot.Get(ctx, userID)
	if err != nil {
		// Degraded but answerable: the cold record alone is still correct
		// modulo counter lag.
		return rec, nil
	}
	if hotRec.LastResetDate == rec.LastResetDate && hotRec.UsageToday > rec.UsageToday {
		rec.UsageToday = hotRec.UsageToday
	}
	return rec, nil
}

// GetByCustomerID implements entitlement.Store. Customer lookups only hit
// the cold store; the hot side does not maintain the index.
func (s *Store) GetByCustomerID(ctx context.Context, customerID string) (*entitlement.Record, error) {
	return s.cold.GetByCustomerID(ctx, customerID)
}

// UpsertByUserID implements entitlement.Store with write-through: cold
// first, then the hot mirror.
func (s *Store) UpsertByUserID(ctx context.Context, userID string, patch entitlement.Patch) (*entitlement.Record, error) {
	rec, err := s.cold.UpsertByUserID(ctx, userID, patch)
	if err != nil {
		return nil, err
	}
	if _, err := s.hot.UpsertByUserID(ctx, userID, patch); err != nil {
		s.reportAsyncError(fmt.Errorf("tiered: hot mirror of upsert for %s: %w", userID, err))
	}
	return rec, nil
}

// UpsertByCustomerID implements entitlement.Store. The cold store resolves
// the customer; the hot mirror is then addressed by user id.
func (s *Store) UpsertByCustomerID(ctx context.Context, customerID string, patch entitlement.Patch) (*entitlement.Record, error) {
	rec, err := s.cold.UpsertByCustomerID(ctx, customerID, patch)
	if err != nil {
		return nil, err
	}
	if _, err := s.hot.UpsertByUserID(ctx, rec.UserID, patch); err != nil {
		s.reportAsyncError(fmt.Errorf("tiered: hot mirror of upsert for %s: %w", rec.UserID, err))
	}
	return rec, nil
}

// ConsumeDaily implements entitlement.Store. The hot store makes the atomic
// grant-or-decline decision; grants are mirrored to the cold store so the
// counter survives a hot flush.
func (s *Store) ConsumeDaily(ctx context.Context, userID, day string, limit int) (int, error) {
	used, err := s.hot.ConsumeDaily(ctx, userID, day, limit)
	if err != nil {
		return used, err
	}

	mirror := func() error {
		_, err := s.cold.UpsertByUserID(context.Background(), userID, entitlement.Patch{
			UsageToday:    entitlement.Int(used),
			LastResetDate: entitlement.String(day),
		})
		if err != nil {
			return fmt.Errorf("tiered: cold mirror of usage for %s: %w", userID, err)
		}
		return nil
	}

	if s.conf.AsyncUsageSync {
		s.enqueue(mirror)
		return used, nil
	}
	if err := mirror(); err != nil {
		s.reportAsyncError(err)
	}
	return used, nil
}

// ResetAllUsage implements entitlement.Store. Both sides are reset; the
// cold count is authoritative.
func (s *Store) ResetAllUsage(ctx context.Context, day string) (int, error) {
	n, err := s.cold.ResetAllUsage(ctx, day)
	if err != nil {
		return 0, err
	}
	if _, err := s.hot.ResetAllUsage(ctx, day); err != nil {
		s.reportAsyncError(fmt.Errorf("tiered: hot reset: %w", err))
	}
	return n, nil
}

func (s *Store) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case op := <-s.syncQueue:
				if err := op(); err != nil {
					s.reportAsyncError(err)
				}
			case <-s.shutdown:
				// Drain what was queued before shutdown.
				for {
					select {
					case op := <-s.syncQueue:
						if err := op(); err != nil {
							s.reportAsyncError(err)
						}
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Store) enqueue(op func() error) {
	select {
	case s.syncQueue <- op:
	default:
		s.reportAsyncError(errors.New("tiered: sync queue full, dropping cold mirror write"))
	}
}

func (s *Store) reportAsyncError(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}
