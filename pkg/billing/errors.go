package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured.
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidEvent is returned for malformed or incomplete webhook payloads.
	// These are dropped with a log entry; the provider's retry mechanism only
	// covers transport-level delivery, not semantic correctness.
	ErrInvalidEvent = errors.New("invalid billing event")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails.
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider.
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrPlanNotConfigured is returned when a plan has no configured price mapping.
	ErrPlanNotConfigured = errors.New("plan not configured in price mapping")

	// ErrProviderAPIError is returned when the provider's API returns an error.
	ErrProviderAPIError = errors.New("billing provider API error")
)
