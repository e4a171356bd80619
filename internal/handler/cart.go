package handler

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/cart"
	"github.com/xenking/promo-engine/internal/domain/checkout"
)

type lineItemJSON struct {
	ProductID string          `json:"productId"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Quantity  int             `json:"quantity"`
}

type cartJSON struct {
	Items      []lineItemJSON `json:"items"`
	CustomerID string         `json:"customerId,omitempty"`
	Currency   string         `json:"currency"`
}

type previewRequest struct {
	Cart cartJSON `json:"cart"`
	Code string   `json:"code,omitempty"`
}

type pricedCartJSON struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	TotalDiscount decimal.Decimal `json:"totalDiscount"`
	Total         decimal.Decimal `json:"total"`
	FreeShipping  bool            `json:"freeShipping"`
	Applied       []discountJSON  `json:"appliedRules"`
	Rejection     *rejectionJSON  `json:"rejection,omitempty"`
}

// PreviewCart prices the cart against the current rule state. It is safe to
// call on every cart render: nothing is mutated and nothing is cached.
func (h *Handler) PreviewCart(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "", "invalid request body")
		return
	}

	snapshot, ok := toSnapshot(w, req.Cart)
	if !ok {
		return
	}

	ctx, cancel := h.withTimeout(r)
	defer cancel()

	priced, err := h.coordinator.Preview(ctx, snapshot, req.Code)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPricedJSON(priced))
}

func toSnapshot(w http.ResponseWriter, c cartJSON) (cart.Snapshot, bool) {
	if len(c.Items) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "", "cart items required")
		return cart.Snapshot{}, false
	}

	items := make([]cart.LineItem, len(c.Items))
	for i, item := range c.Items {
		if item.Quantity <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "bad_request", "",
				"quantity must be greater than 0 for product "+item.ProductID)
			return cart.Snapshot{}, false
		}
		items[i] = cart.LineItem{
			ProductID: item.ProductID,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		}
	}

	return cart.Snapshot{
		Items:      items,
		CustomerID: c.CustomerID,
		Currency:   c.Currency,
	}, true
}

func toPricedJSON(p *checkout.PricedCart) pricedCartJSON {
	out := pricedCartJSON{
		Subtotal:      p.Subtotal,
		TotalDiscount: p.TotalDiscount,
		Total:         p.Total,
		FreeShipping:  p.FreeShipping,
		Applied:       make([]discountJSON, 0, len(p.Applied)),
	}
	for _, d := range p.Applied {
		out.Applied = append(out.Applied, discountJSON{
			RuleID:       d.RuleID,
			Name:         d.RuleName,
			Amount:       d.Amount,
			FreeShipping: d.FreeShipping,
		})
	}
	if p.Rejection != nil {
		out.Rejection = &rejectionJSON{
			Reason:  reasonCode(p.Rejection),
			Message: p.Rejection.Error(),
		}
	}
	return out
}
