package api

import "time"

// ExplainRequest is the body of POST /explain.
type ExplainRequest struct {
	Symbol  string `json:"symbol"`
	Context string `json:"context"`
}

// CheckoutRequest is the body of POST /checkout. Email is optional; Stripe
// collects one during payment when it is absent.
type CheckoutRequest struct {
	Plan  string `json:"plan"`
	Email string `json:"email"`
}

// RedirectResponse carries a provider-hosted URL the client should follow.
type RedirectResponse struct {
	URL string `json:"url"`
}

// QuotaExceededResponse is the 429 body for an exhausted daily quota.
type QuotaExceededResponse struct {
	Error          string    `json:"error"`
	Message        string    `json:"message"`
	Limit          int       `json:"limit"`
	ResetAt        time.Time `json:"reset_at"`
	RemainingToday int       `json:"remainingToday"`
}

// ResetUsageResponse reports how many records the admin reset touched.
type ResetUsageResponse struct {
	Reset int    `json:"reset"`
	Date  string `json:"date"`
}

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	CacheSize int       `json:"cache_size"`
}

// ErrorResponse is the generic error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
