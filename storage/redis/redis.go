// Package redis provides a Redis implementation of the entitlement.Store
// interface. Records live in one hash per user; the daily consume path runs
// as a Lua script so reset-and-increment is a single atomic operation.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// Store implements entitlement.Store using Redis.
type Store struct {
	client  redis.UniversalClient
	config  Config
	consume *redis.Script
	now     func() time.Time
}

// Config holds Redis storage configuration.
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "mathsight:").
	KeyPrefix string

	// RecordTTL is the TTL applied to record hashes (0 = no expiration).
	// Entitlements are long-lived; leave this zero unless records for
	// abandoned anonymous users should age out.
	RecordTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{KeyPrefix: "mathsight:"}
}

// New creates a Redis store. The client can be *redis.Client,
// *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "mathsight:"
	}

	return &Store{
		client: client,
		config: config,
		now:    time.Now,
		// Reset-if-stale then increment-if-below-limit, atomically. The
		// check and the increment must not be separable: two clients
		// racing past a read-side check could otherwise both commit the
		// last remaining unit.
		consume: redis.NewScript(`
			local key = KEYS[1]
			local day = ARGV[1]
			local limit = tonumber(ARGV[2])
			local nowStr = ARGV[3]

			local lastReset = redis.call('HGET', key, 'last_reset_date')
			if lastReset ~= day then
				redis.call('HSET', key, 'usage_today', 0, 'last_reset_date', day)
			end

			local used = tonumber(redis.call('HGET', key, 'usage_today') or '0')
			if used >= limit then
				return {used, 'quota_exceeded'}
			end

			local newUsed = redis.call('HINCRBY', key, 'usage_today', 1)
			redis.call('HSET', key, 'updated_at', nowStr)
			return {newUsed, 'ok'}
		`),
	}, nil
}

func (s *Store) recordKey(userID string) string {
	return s.config.KeyPrefix + "user:" + userID
}

func (s *Store) customerKey(customerID string) string {
	return s.config.KeyPrefix + "customer:" + customerID
}

// Get implements entitlement.Store. Unknown users are created lazily on the
// free tier.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entitlement.ErrStorageUnavailable, err)
	}
	if len(fields) == 0 {
		rec := entitlement.NewRecord(userID, s.now().UTC())
		if err := s.writeRecord(ctx, rec, ""); err != nil {
			return nil, err
		}
		return rec, nil
	}
	return decodeRecord(userID, fields)
}

// GetByCustomerID implements entitlement.Store.
func (s *Store) GetByCustomerID(ctx context.Context, customerID string) (*entitlement.Record, error) {
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entitlement.ErrStorageUnavailable, err)
	}
	return s.Get(ctx, userID)
}

// UpsertByUserID implements entitlement.Store.
func (s *Store) UpsertByUserID(ctx context.Context, userID string, patch entitlement.Patch) (*entitlement.Record, error) {
	rec, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	prevCustomerID := rec.CustomerID
	now := s.now().UTC()
	patch.Apply(rec, now)
	if err := s.writeRecord(ctx, rec, prevCustomerID); err != nil {
		return nil, err
	}
	return rec, nil
}

// UpsertByCustomerID implements entitlement.Store.
func (s *Store) UpsertByCustomerID(ctx context.Context, customerID string, patch entitlement.Patch) (*entitlement.Record, error) {
	rec, err := s.GetByCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}

	prevCustomerID := rec.CustomerID
	now := s.now().UTC()
	patch.Apply(rec, now)
	if err := s.writeRecord(ctx, rec, prevCustomerID); err != nil {
		return nil, err
	}
	return rec, nil
}

// ConsumeDaily implements entitlement.Store via the consume script.
func (s *Store) ConsumeDaily(ctx context.Context, userID, day string, limit int) (int, error) {
	// A brand-new user has no hash yet; the script would create a partial
	// one. Ensure the record exists first.
	if _, err := s.Get(ctx, userID); err != nil {
		return 0, err
	}

	res, err := s.consume.Run(ctx, s.client,
		[]string{s.recordKey(userID)},
		day, limit, s.now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", entitlement.ErrStorageUnavailable, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, fmt.Errorf("%w: unexpected consume script result %v", entitlement.ErrStorageUnavailable, res)
	}
	used, _ := vals[0].(int64)
	status, _ := vals[1].(string)
	if status == "quota_exceeded" {
		return int(used), entitlement.ErrQuotaExceeded
	}
	return int(used), nil
}

// ResetAllUsage implements entitlement.Store. It scans all record hashes,
// which is fine at the scale of an admin-triggered reset.
func (s *Store) ResetAllUsage(ctx context.Context, day string) (int, error) {
	var cursor uint64
	n := 0
	now := s.now().UTC().Format(time.RFC3339Nano)
	pattern := s.config.KeyPrefix + "user:*"

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return n, fmt.Errorf("%w: %v", entitlement.ErrStorageUnavailable, err)
		}
		for _, key := range keys {
			if err := s.client.HSet(ctx, key,
				"usage_today", 0,
				"last_reset_date", day,
				"updated_at", now,
			).Err(); err != nil {
				return n, fmt.Errorf("%w: %v", entitlement.ErrStorageUnavailable, err)
			}
			n++
		}
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

func (s *Store) writeRecord(ctx context.Context, rec *entitlement.Record, prevCustomerID string) error {
	key := s.recordKey(rec.UserID)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, encodeRecord(rec))
	if s.config.RecordTTL > 0 {
		pipe.Expire(ctx, key, s.config.RecordTTL)
	}
	// A replaced customer id must stop resolving, or lookups keyed by the
	// old id would keep patching this user.
	if prevCustomerID != "" && prevCustomerID != rec.CustomerID {
		pipe.Del(ctx, s.customerKey(prevCustomerID))
	}
	if rec.CustomerID != "" {
		pipe.Set(ctx, s.customerKey(rec.CustomerID), rec.UserID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", entitlement.ErrStorageUnavailable, err)
	}
	return nil
}

func encodeRecord(rec *entitlement.Record) map[string]interface{} {
	return map[string]interface{}{
		"user_id":              rec.UserID,
		"email":                rec.Email,
		"customer_id":          rec.CustomerID,
		"subscription_id":      rec.SubscriptionID,
		"tier":                 string(rec.Tier),
		"status":               string(rec.Status),
		"period_end":           encodeTime(rec.PeriodEnd),
		"cancel_at_period_end": strconv.FormatBool(rec.CancelAtPeriodEnd),
		"usage_today":          rec.UsageToday,
		"last_reset_date":      rec.LastResetDate,
		"last_event_at":        encodeTime(rec.LastEventAt),
		"created_at":           encodeTime(rec.CreatedAt),
		"updated_at":           encodeTime(rec.UpdatedAt),
	}
}

func decodeRecord(userID string, fields map[string]string) (*entitlement.Record, error) {
	usage, err := strconv.Atoi(defaulted(fields["usage_today"], "0"))
	if err != nil {
		return nil, fmt.Errorf("corrupt usage_today for %s: %w", userID, err)
	}

	return &entitlement.Record{
		UserID:            userID,
		Email:             fields["email"],
		CustomerID:        fields["customer_id"],
		SubscriptionID:    fields["subscription_id"],
		Tier:              entitlement.Tier(defaulted(fields["tier"], string(entitlement.TierFree))),
		Status:            entitlement.ParseStatus(fields["status"]),
		PeriodEnd:         decodeTime(fields["period_end"]),
		CancelAtPeriodEnd: fields["cancel_at_period_end"] == "true",
		UsageToday:        usage,
		LastResetDate:     fields["last_reset_date"],
		LastEventAt:       decodeTime(fields["last_event_at"]),
		CreatedAt:         decodeTime(fields["created_at"]),
		UpdatedAt:         decodeTime(fields["updated_at"]),
	}, nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func defaulted(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
