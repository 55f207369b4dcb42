// Package api exposes the HTTP surface: subscription status, metered
// explanations, billing redirects, and a couple of operational endpoints.
// Handlers are plain http.HandlerFunc methods so any router can mount them.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mathsight/mathsight/pkg/entitlement"
	"github.com/mathsight/mathsight/pkg/explain"
)

const (
	maxUserIDLen      = 255
	maxSymbolLen      = 500
	maxContextLen     = 10000
	maxRequestBodyLen = 64 * 1024
)

// Handler provides the HTTP endpoints.
type Handler struct {
	config Config
}

// GetSubscription returns the user's current tier, usage, and subscription
// standing. Unknown users are created lazily on the free tier, so this never
// 404s on a well-formed user ID.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	view, err := h.config.Service.Resolve(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("resolve subscription: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// Explain serves one explanation. The response code separates the failure
// modes the client handles differently: 429 when today's quota is gone, 502
// when the generator is down (retryable, nothing consumed).
func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req ExplainRequest
	if err := h.readJSON(w, r, &req); err != nil {
		return
	}
	if req.Symbol == "" {
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "symbol is required"})
		return
	}
	if len(req.Symbol) > maxSymbolLen || len(req.Context) > maxContextLen {
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "symbol or context too long"})
		return
	}

	result, err := h.config.Explainer.Explain(r.Context(), userID, req.Symbol, req.Context)

	var quotaErr *entitlement.QuotaExceededError
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, result)
	case errors.As(err, &quotaErr):
		h.writeJSON(w, http.StatusTooManyRequests, h.quotaExceededBody(r, userID, quotaErr))
	case errors.Is(err, explain.ErrUpstreamUnavailable):
		h.writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "failed to generate explanation"})
	default:
		h.handleError(w, r, fmt.Errorf("explain: %w", err), http.StatusInternalServerError)
	}
}

// CreateCheckout starts a checkout session for the requested plan and
// returns the provider-hosted URL.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	if h.config.Billing == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "billing not configured"})
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := h.readJSON(w, r, &req); err != nil {
		return
	}
	if req.Plan == "" {
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "plan is required"})
		return
	}

	url, err := h.config.Billing.CheckoutURL(r.Context(), userID, req.Email, req.Plan, h.config.SuccessURL, h.config.CancelURL)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("create checkout session: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, RedirectResponse{URL: url})
}

// CreatePortal starts a customer-portal session for subscription management.
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	if h.config.Billing == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "billing not configured"})
		return
	}
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	url, err := h.config.Billing.PortalURL(r.Context(), userID, h.config.PortalReturnURL)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("create portal session: %w", err), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, RedirectResponse{URL: url})
}

// ResetUsage zeroes every record's daily counter. Mount it behind admin
// authentication; the handler itself does not gate access.
func (h *Handler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	if h.config.Store == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "usage reset not configured"})
		return
	}

	day := entitlement.Day(time.Now().UTC())
	n, err := h.config.Store.ResetAllUsage(r.Context(), day)
	if err != nil {
		h.handleError(w, r, fmt.Errorf("reset usage: %w", err), http.StatusInternalServerError)
		return
	}

	h.config.Logger.Info("admin usage reset",
		entitlement.Field{Key: "records", Value: n},
		entitlement.Field{Key: "date", Value: day})
	h.writeJSON(w, http.StatusOK, ResetUsageResponse{Reset: n, Date: day})
}

// Health reports liveness and the response cache size.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		CacheSize: h.config.Explainer.CacheStats().Size,
	})
}

func (h *Handler) quotaExceededBody(r *http.Request, userID string, quotaErr *entitlement.QuotaExceededError) QuotaExceededResponse {
	message := fmt.Sprintf("Daily limit of %d explanations reached. Your usage limit will reset at 00:00 UTC.", quotaErr.Limit)
	if view, err := h.config.Service.Resolve(r.Context(), userID); err == nil && !view.Premium {
		message = fmt.Sprintf("You have reached your daily limit of %d explanations. Upgrade to Premium for more explanations per day.", quotaErr.Limit)
	}
	return QuotaExceededResponse{
		Error:          "Daily limit reached",
		Message:        message,
		Limit:          quotaErr.Limit,
		ResetAt:        quotaErr.ResetAt,
		RemainingToday: 0,
	}
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "user ID not found"})
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid user ID format"})
		return "", false
	}
	return userID, true
}

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyLen)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
		return err
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.config.Logger.Error("request failed",
		entitlement.Field{Key: "path", Value: r.URL.Path},
		entitlement.Field{Key: "error", Value: err.Error()})
	h.writeJSON(w, status, ErrorResponse{Error: http.StatusText(status)})
}
