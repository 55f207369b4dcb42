// Package firestore provides a Firestore implementation of the
// entitlement.Store interface for deployments on Google Cloud.
package firestore

import (
	"context"
	"fmt"
	"math"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mathsight/mathsight/pkg/entitlement"
)

// Store implements entitlement.Store using Google Cloud Firestore.
// One document per user; the customerId field is indexed by query.
type Store struct {
	client     *firestore.Client
	collection string

	// Now returns the current time; tests override it.
	Now func() time.Time
}

// Config holds Firestore store configuration.
type Config struct {
	// Collection is the Firestore collection for entitlement records.
	// Default: "entitlements".
	Collection string
}

// New creates a new Firestore store.
func New(client *firestore.Client, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}
	if config.Collection == "" {
		config.Collection = "entitlements"
	}
	return &Store{
		client:     client,
		collection: config.Collection,
		Now:        time.Now,
	}, nil
}

// Get implements entitlement.Store. A missing document is created as a
// default free record inside a transaction, so concurrent first reads
// converge on one record.
func (s *Store) Get(ctx context.Context, userID string) (*entitlement.Record, error) {
	doc := s.client.Collection(s.collection).Doc(userID)

	var rec *entitlement.Record
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			rec = decodeRecord(userID, snap.Data())
			return nil
		}
		rec = entitlement.NewRecord(userID, s.Now().UTC())
		return tx.Set(doc, encodeRecord(rec))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", entitlement.ErrStorageUnavailable, userID, err)
	}
	return rec, nil
}

// GetByCustomerID implements entitlement.Store.
func (s *Store) GetByCustomerID(ctx context.Context, customerID string) (*entitlement.Record, error) {
	iter := s.client.Collection(s.collection).
		Where("customerId", "==", customerID).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query customer %s: %v", entitlement.ErrStorageUnavailable, customerID, err)
	}
	return decodeRecord(snap.Ref.ID, snap.Data()), nil
}

// UpsertByUserID implements entitlement.Store.
func (s *Store) UpsertByUserID(ctx context.Context, userID string, patch entitlement.Patch) (*entitlement.Record, error) {
	doc := s.client.Collection(s.collection).Doc(userID)

	var rec *entitlement.Record
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			rec = decodeRecord(userID, snap.Data())
		} else {
			rec = entitlement.NewRecord(userID, s.Now().UTC())
		}
		patch.Apply(rec, s.Now().UTC())
		return tx.Set(doc, encodeRecord(rec))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: upsert %s: %v", entitlement.ErrStorageUnavailable, userID, err)
	}
	return rec, nil
}

// UpsertByCustomerID implements entitlement.Store. The customer query runs
// before the transaction; the patch is then applied to the resolved user id
// transactionally.
func (s *Store) UpsertByCustomerID(ctx context.Context, customerID string, patch entitlement.Patch) (*entitlement.Record, error) {
	existing, err := s.GetByCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return s.UpsertByUserID(ctx, existing.UserID, patch)
}

// ConsumeDaily implements entitlement.Store. The reset-check-increment runs
// in a single transaction, so two concurrent consumers cannot both take the
// last unit.
func (s *Store) ConsumeDaily(ctx context.Context, userID, day string, limit int) (int, error) {
	doc := s.client.Collection(s.collection).Doc(userID)

	var used int
	var exceeded bool
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		var rec *entitlement.Record
		if err == nil && snap.Exists() {
			rec = decodeRecord(userID, snap.Data())
		} else {
			rec = entitlement.NewRecord(userID, s.Now().UTC())
		}

		rolled := rec.LastResetDate != day
		if rolled {
			rec.UsageToday = 0
			rec.LastResetDate = day
		}
		if rec.UsageToday >= limit {
			used = rec.UsageToday
			exceeded = true
			// Persist the rollover even on a decline so the stored
			// counter never reports yesterday's usage.
			if rolled {
				rec.UpdatedAt = s.Now().UTC()
				return tx.Set(doc, encodeRecord(rec))
			}
			return nil
		}

		rec.UsageToday++
		rec.UpdatedAt = s.Now().UTC()
		used = rec.UsageToday
		return tx.Set(doc, encodeRecord(rec))
	})
	if err != nil {
		return 0, fmt.Errorf("%w: consume %s: %v", entitlement.ErrStorageUnavailable, userID, err)
	}
	if exceeded {
		return used, entitlement.ErrQuotaExceeded
	}
	return used, nil
}

// ResetAllUsage implements entitlement.Store. Writes go through a BulkWriter
// so a large user base does not mean one RPC per record.
func (s *Store) ResetAllUsage(ctx context.Context, day string) (int, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	now := s.Now().UTC()
	writer := s.client.BulkWriter(ctx)
	n := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return n, fmt.Errorf("%w: reset scan: %v", entitlement.ErrStorageUnavailable, err)
		}
		_, err = writer.Set(snap.Ref, map[string]interface{}{
			"usageToday":    0,
			"lastResetDate": day,
			"updatedAt":     now,
		}, firestore.MergeAll)
		if err != nil {
			return n, fmt.Errorf("%w: reset %s: %v", entitlement.ErrStorageUnavailable, snap.Ref.ID, err)
		}
		n++
	}
	writer.End()
	return n, nil
}

func encodeRecord(rec *entitlement.Record) map[string]interface{} {
	data := map[string]interface{}{
		"email":             rec.Email,
		"customerId":        rec.CustomerID,
		"subscriptionId":    rec.SubscriptionID,
		"tier":              string(rec.Tier),
		"status":            string(rec.Status),
		"cancelAtPeriodEnd": rec.CancelAtPeriodEnd,
		"usageToday":        rec.UsageToday,
		"lastResetDate":     rec.LastResetDate,
		"createdAt":         rec.CreatedAt,
		"updatedAt":         rec.UpdatedAt,
	}
	if !rec.PeriodEnd.IsZero() {
		data["periodEnd"] = rec.PeriodEnd
	}
	if !rec.LastEventAt.IsZero() {
		data["lastEventAt"] = rec.LastEventAt
	}
	return data
}

func decodeRecord(userID string, data map[string]interface{}) *entitlement.Record {
	rec := &entitlement.Record{
		UserID:            userID,
		Email:             getString(data, "email"),
		CustomerID:        getString(data, "customerId"),
		SubscriptionID:    getString(data, "subscriptionId"),
		Status:            entitlement.ParseStatus(getString(data, "status")),
		PeriodEnd:         getTime(data, "periodEnd"),
		CancelAtPeriodEnd: getBool(data, "cancelAtPeriodEnd"),
		UsageToday:        getInt(data, "usageToday"),
		LastResetDate:     getString(data, "lastResetDate"),
		LastEventAt:       getTime(data, "lastEventAt"),
		CreatedAt:         getTime(data, "createdAt"),
		UpdatedAt:         getTime(data, "updatedAt"),
	}
	if tier := getString(data, "tier"); tier != "" {
		rec.Tier = entitlement.Tier(tier)
	} else {
		rec.Tier = entitlement.TierFree
	}
	return rec
}

// Helper functions for type conversion from Firestore data.

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func getInt(data map[string]interface{}, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(math.Round(v))
	default:
		return 0
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}
