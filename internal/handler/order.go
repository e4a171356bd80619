package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type finalizeRequest struct {
	Cart    cartJSON `json:"cart"`
	RuleIDs []string `json:"ruleIds"`
}

type finalizedOrderJSON struct {
	OrderID       string          `json:"orderId"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TotalDiscount decimal.Decimal `json:"totalDiscount"`
	Total         decimal.Decimal `json:"total"`
	FreeShipping  bool            `json:"freeShipping"`
	Applied       []discountJSON  `json:"appliedRules"`
}

type releaseRequest struct {
	RuleID     string `json:"ruleId"`
	CustomerID string `json:"customerId"`
}

// FinalizeOrder durably commits the cart's applied rules for the order. The
// order service calls this exactly once per placed order; a double call is
// rejected with already_redeemed_for_order. Either every rule commits or
// none does.
func (h *Handler) FinalizeOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "", "order id required")
		return
	}

	var req finalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "", "invalid request body")
		return
	}
	if len(req.RuleIDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "", "ruleIds required")
		return
	}

	snapshot, ok := toSnapshot(w, req.Cart)
	if !ok {
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()

	finalized, err := h.coordinator.Finalize(ctx, snapshot, orderID, req.RuleIDs)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	out := finalizedOrderJSON{
		OrderID:       finalized.OrderID,
		Subtotal:      snapshot.Subtotal(),
		TotalDiscount: finalized.TotalDiscount,
		Total:         finalized.Total,
		FreeShipping:  finalized.FreeShipping,
		Applied:       make([]discountJSON, 0, len(finalized.Applied)),
	}
	for _, d := range finalized.Applied {
		out.Applied = append(out.Applied, discountJSON{
			RuleID:       d.RuleID,
			Name:         d.RuleName,
			Amount:       d.Amount,
			FreeShipping: d.FreeShipping,
		})
	}

	writeJSON(w, http.StatusOK, out)
}

// ReleaseRedemption is the compensation hook called on order-placement
// rollback. Idempotent: releasing a redemption that does not exist succeeds.
func (h *Handler) ReleaseRedemption(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "", "order id required")
		return
	}

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "", "invalid request body")
		return
	}
	if req.RuleID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "", "ruleId required")
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()

	if err := h.coordinator.Release(ctx, req.RuleID, req.CustomerID, orderID); err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}
