// Package postgres provides a PostgreSQL implementation of the
// entitlement.Store interface using pgx. Consumption runs as a single
// conditional UPDATE, so no client-side locking is needed.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// Store implements entitlement.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool

	// Now returns the current time; tests override it.
	Now func() time.Time
}

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL store and verifies connectivity.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, Now: time.Now}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the entitlements table and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS entitlements (
			user_id              TEXT PRIMARY KEY,
			email                TEXT NOT NULL DEFAULT '',
			customer_id          TEXT NOT NULL DEFAULT '',
			subscription_id      TEXT NOT NULL DEFAULT '',
			tier                 TEXT NOT NULL DEFAULT 'free',
			status               TEXT NOT NULL DEFAULT 'none',
			period_end           TIMESTAMPTZ,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
			usage_today          INTEGER NOT NULL DEFAULT 0,
			last_reset_date      TEXT NOT NULL DEFAULT '',
			last_event_at        TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS entitlements_customer_id_idx
			ON entitlements (customer_id) WHERE customer_id <> ''`)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Get implements entitlement.Store. A missing row is created as a default
// free record; ON CONFLICT DO NOTHING makes concurrent first reads safe.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	now := s.Now().UTC()
	def := entitlement.NewRecord(userID, now)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements (user_id, tier, status, last_reset_date, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (user_id) DO NOTHING`,
		userID, string(def.Tier), string(def.Status), def.LastResetDate, now)
	if err != nil {
		return nil, fmt.Errorf("%w: ensure %s: %v", entitlement.ErrStorageUnavailable, userID, err)
	}

	rec, err := s.scanRecord(s.pool.QueryRow(ctx,
		selectColumns+` FROM entitlements WHERE user_id = $1`, userID))
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", entitlement.ErrStorageUnavailable, userID, err)
	}
	return rec, nil
}

// GetByCustomerID implements entitlement.Store.
func (s *Store) GetByCustomerID(ctx context.Context, customerID string) (*entitlement.Record, error) {
	rec, err := s.scanRecord(s.pool.QueryRow(ctx,
		selectColumns+` FROM entitlements WHERE customer_id = $1 AND customer_id <> ''`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get customer %s: %v", entitlement.ErrStorageUnavailable, customerID, err)
	}
	return rec, nil
}

// UpsertByUserID implements entitlement.Store. The row is locked for the
// duration of the read-apply-write so concurrent patches serialize.
func (s *Store) UpsertByUserID(ctx context.Context, userID string, patch entitlement.Patch) (*entitlement.Record, error) {
	if _, err := s.Get(ctx, userID); err != nil {
		return nil, err
	}
	return s.patchWhere(ctx, `user_id = $1`, userID, patch)
}

// UpsertByCustomerID implements entitlement.Store.
func (s *Store) UpsertByCustomerID(ctx context.Context, customerID string, patch entitlement.Patch) (*entitlement.Record, error) {
	return s.patchWhere(ctx, `customer_id = $1 AND customer_id <> ''`, customerID, patch)
}

func (s *Store) patchWhere(ctx context.Context, where, key string, patch entitlement.Patch) (*entitlement.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", entitlement.ErrStorageUnavailable, err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rec, err := s.scanRecord(tx.QueryRow(ctx,
		selectColumns+` FROM entitlements WHERE `+where+` FOR UPDATE`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", entitlement.ErrStorageUnavailable, key, err)
	}

	patch.Apply(rec, s.Now().UTC())

	if _, err := tx.Exec(ctx,
		`UPDATE entitlements SET
				email = $2, customer_id = $3, subscription_id = $4, tier = $5, status = $6,
				period_end = $7, cancel_at_period_end = $8, usage_today = $9,
				last_reset_date = $10, last_event_at = $11, updated_at = $12
			WHERE user_id = $1`,
		rec.UserID, rec.Email, rec.CustomerID, rec.SubscriptionID,
		string(rec.Tier), string(rec.Status), nullTime(rec.PeriodEnd),
		rec.CancelAtPeriodEnd, rec.UsageToday, rec.LastResetDate,
		nullTime(rec.LastEventAt), rec.UpdatedAt); err != nil {
		return nil, fmt.Errorf("%w: update %s: %v", entitlement.ErrStorageUnavailable, rec.UserID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", entitlement.ErrStorageUnavailable, err)
	}
	return rec, nil
}

// ConsumeDaily implements entitlement.Store. The reset-check-increment is a
// single conditional UPDATE: the row's own last_reset_date decides whether
// the counter rolls over, and the WHERE clause refuses the increment at the
// limit. Zero rows updated means the quota is exhausted.
func (s *Store) ConsumeDaily(ctx context.Context, userID, day string, limit int) (int, error) {
	if _, err := s.Get(ctx, userID); err != nil {
		return 0, err
	}

	var used int
	err := s.pool.QueryRow(ctx,
		`UPDATE entitlements SET
				usage_today = CASE WHEN last_reset_date <> $2 THEN 1 ELSE usage_today + 1 END,
				last_reset_date = $2,
				updated_at = $4
			WHERE user_id = $1 AND (last_reset_date <> $2 OR usage_today < $3)
			RETURNING usage_today`,
		userID, day, limit, s.Now().UTC()).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		// Increment refused: read back the counter for the caller.
		if err := s.pool.QueryRow(ctx,
			`SELECT usage_today FROM entitlements WHERE user_id = $1`, userID).Scan(&used); err != nil {
			return 0, fmt.Errorf("%w: read usage %s: %v", entitlement.ErrStorageUnavailable, userID, err)
		}
		return used, entitlement.ErrQuotaExceeded
	}
	if err != nil {
		return 0, fmt.Errorf("%w: consume %s: %v", entitlement.ErrStorageUnavailable, userID, err)
	}
	return used, nil
}

// ResetAllUsage implements entitlement.Store.
func (s *Store) ResetAllUsage(ctx context.Context, day string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entitlements SET usage_today = 0, last_reset_date = $1, updated_at = $2`,
		day, s.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: reset all: %v", entitlement.ErrStorageUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

const selectColumns = `SELECT user_id, email, customer_id, subscription_id, tier, status,
	period_end, cancel_at_period_end, usage_today, last_reset_date, last_event_at,
	created_at, updated_at`

func (s *Store) scanRecord(row pgx.Row) (*entitlement.Record, error) {
	var rec entitlement.Record
	var tier, status string
	var periodEnd, lastEventAt *time.Time

	err := row.Scan(
		&rec.UserID, &rec.Email, &rec.CustomerID, &rec.SubscriptionID,
		&tier, &status, &periodEnd, &rec.CancelAtPeriodEnd,
		&rec.UsageToday, &rec.LastResetDate, &lastEventAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Tier = entitlement.Tier(tier)
	rec.Status = entitlement.ParseStatus(status)
	if periodEnd != nil {
		rec.PeriodEnd = *periodEnd
	}
	if lastEventAt != nil {
		rec.LastEventAt = *lastEventAt
	}
	return &rec, nil
}

// nullTime maps a zero time onto NULL so empty timestamps stay NULL in the
// table instead of round-tripping as year one.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
