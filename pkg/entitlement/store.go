package entitlement

import "context"

// Store is the persistence contract for entitlement records.
// All state is partitioned by UserID; no operation requires cross-user locking.
type Store interface {
	// Get returns the record for userID, creating and persisting a default
	// free record if none exists. Lookups never fail with ErrNotFound.
	Get(ctx context.Context, userID string) (*Record, error)

	// GetByCustomerID returns the record referencing the provider customer.
	// Returns ErrNotFound if no record references it.
	GetByCustomerID(ctx context.Context, customerID string) (*Record, error)

	// UpsertByUserID applies a partial patch to the record for userID,
	// creating a default record first if absent. Returns the updated record.
	UpsertByUserID(ctx context.Context, userID string, patch Patch) (*Record, error)

	// UpsertByCustomerID applies a partial patch to the record referencing
	// the provider customer. Returns ErrNotFound if no record references it.
	UpsertByCustomerID(ctx context.Context, customerID string, patch Patch) (*Record, error)

	// ConsumeDaily atomically consumes one unit of the day's quota for
	// userID: if the stored LastResetDate differs from day the counter is
	// reset first, then incremented only if below limit. Returns the new
	// counter value, or ErrQuotaExceeded without mutating anything.
	ConsumeDaily(ctx context.Context, userID, day string, limit int) (int, error)

	// ResetAllUsage resets every record's counter to zero for day.
	// Returns the number of records touched. Administrative use only.
	ResetAllUsage(ctx context.Context, day string) (int, error)
}
