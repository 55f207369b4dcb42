package entitlement

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record references a looked-up key.
	// For customer-id lookups this is a reportable, non-retryable condition.
	ErrNotFound = errors.New("entitlement record not found")

	// ErrQuotaExceeded is returned when the daily quota is exhausted.
	ErrQuotaExceeded = errors.New("daily quota exceeded")

	// ErrStorageUnavailable is returned when the backing store cannot be reached.
	ErrStorageUnavailable = errors.New("entitlement storage unavailable")
)

// QuotaExceededError is the structured decline surfaced to callers when the
// daily quota is exhausted. It carries the limit and the UTC reset time.
type QuotaExceededError struct {
	Limit   int
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily limit of %d reached, resets at %s", e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrQuotaExceeded) match.
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}
