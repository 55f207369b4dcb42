package entitlement

import "time"

// Metrics defines the interface for tracking metering operations.
type Metrics interface {
	// RecordQuotaCheck records a quota check and its outcome ("allowed", "declined").
	RecordQuotaCheck(tier string, outcome string)

	// RecordCommit records a committed usage unit for a tier.
	RecordCommit(tier string, success bool)

	// RecordRollover records a daily usage counter reset.
	RecordRollover()

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordQuotaCheck(tier string, outcome string)                               {}
func (n *NoopMetrics) RecordCommit(tier string, success bool)                                     {}
func (n *NoopMetrics) RecordRollover()                                                            {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
