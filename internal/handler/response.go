package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/promo-engine/internal/domain/checkout"
	"github.com/xenking/promo-engine/internal/domain/rule"
)

// errorBody is the JSON error envelope used by every endpoint.
type errorBody struct {
	Code    int    `json:"code"`
	Reason  string `json:"reason,omitempty"`
	RuleID  string `json:"ruleId,omitempty"`
	Message string `json:"message"`
}

// rejectionJSON carries an eligibility rejection inside a 200 preview body.
type rejectionJSON struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// discountJSON is the per-rule discount line in priced and finalized carts.
type discountJSON struct {
	RuleID       string          `json:"ruleId"`
	Name         string          `json:"name,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	FreeShipping bool            `json:"freeShipping,omitempty"`
}

// reasonCode maps eligibility and redemption sentinels to wire codes.
// Reasons are part of the API contract: the storefront keys its messages on
// them, so the mapping is exhaustive and stable.
func reasonCode(err error) string {
	switch {
	case errors.Is(err, rule.ErrNotFound):
		return "not_found"
	case errors.Is(err, rule.ErrExpired):
		return "expired"
	case errors.Is(err, rule.ErrCustomerRestricted):
		return "customer_restricted"
	case errors.Is(err, rule.ErrQuotaExhausted):
		return "quota_exhausted"
	case errors.Is(err, rule.ErrAlreadyUsedByCustomer):
		return "already_used_by_customer"
	case errors.Is(err, rule.ErrBelowMinimumPurchase):
		return "below_minimum_purchase"
	case errors.Is(err, rule.ErrNotCombinable):
		return "not_combinable"
	case errors.Is(err, rule.ErrAlreadyRedeemedForOrder):
		return "already_redeemed_for_order"
	case errors.Is(err, rule.ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, reason, ruleID, message string) {
	writeJSON(w, status, errorBody{
		Code:    status,
		Reason:  reason,
		RuleID:  ruleID,
		Message: message,
	})
}

// writeDomainError maps a domain error to an HTTP response. Typed
// redemption failures become 409 with the rejection reason; storage
// unavailability becomes 503 so callers retry with backoff; anything
// unexpected is logged and becomes an opaque 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var re *checkout.RedemptionError
	switch {
	case errors.Is(err, rule.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "", "promotion storage unavailable, retry later")
	case errors.As(err, &re):
		writeError(w, http.StatusConflict, reasonCode(re.Reason), re.RuleID, re.Reason.Error())
	default:
		zctx.From(r.Context()).Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "", "internal server error")
	}
}
