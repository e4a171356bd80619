package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/rule"
)

type ruleJSON struct {
	ID                   string          `json:"id,omitempty"`
	Code                 string          `json:"code,omitempty"`
	Name                 string          `json:"name"`
	Priority             int             `json:"priority"`
	ValidFrom            *time.Time      `json:"validFrom,omitempty"`
	ValidTo              *time.Time      `json:"validTo,omitempty"`
	TotalQuantity        int             `json:"totalQuantity"`
	RedeemedCount        int             `json:"redeemedCount,omitempty"`
	PerCustomerQuantity  int             `json:"perCustomerQuantity"`
	RestrictedCustomerID string          `json:"restrictedCustomerId,omitempty"`
	MinimumPurchase      decimal.Decimal `json:"minimumPurchase"`
	Currency             string          `json:"currency"`
	DiscountType         string          `json:"discountType"`
	Value                decimal.Decimal `json:"value"`
	Cumulative           bool            `json:"cumulative"`
	Deleted              bool            `json:"deleted,omitempty"`
}

// CreateRule registers a new cart rule. The rule ID is server-assigned.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "", "invalid request body")
		return
	}

	rr, err := toDomainRule(req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "bad_request", "", err.Error())
		return
	}
	rr.ID = uuid.New().String()

	ctx, cancel := h.withTimeout(r)
	defer cancel()

	if err := h.rules.Create(ctx, rr); err != nil {
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toRuleJSON(rr))
}

// GetRule returns a rule by ID, including soft-deleted ones so historical
// orders stay auditable.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	rr, err := h.rules.GetByID(ctx, chi.URLParam(r, "ruleID"))
	if err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "", "rule not found")
			return
		}
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toRuleJSON(rr))
}

// UpdateRule overwrites a rule definition. The redemption counter is owned
// by the engine and cannot be edited.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "", "invalid request body")
		return
	}

	rr, err := toDomainRule(req)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "bad_request", "", err.Error())
		return
	}
	rr.ID = chi.URLParam(r, "ruleID")

	ctx, cancel := h.withTimeout(r)
	defer cancel()

	if err := h.rules.Update(ctx, rr); err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "", "rule not found")
			return
		}
		writeDomainError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toRuleJSON(rr))
}

// DeleteRule soft-deletes a rule. The definition stays resolvable so orders
// that redeemed it keep their discount audit trail.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withTimeout(r)
	defer cancel()

	if err := h.rules.SoftDelete(ctx, chi.URLParam(r, "ruleID")); err != nil {
		if errors.Is(err, rule.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "", "rule not found")
			return
		}
		writeDomainError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func toDomainRule(j ruleJSON) (*rule.Rule, error) {
	dtype := rule.DiscountType(j.DiscountType)
	switch dtype {
	case rule.DiscountPercentage:
		if j.Value.IsNegative() || j.Value.GreaterThan(decimal.NewFromInt(100)) {
			return nil, errors.New("percentage must be between 0 and 100")
		}
	case rule.DiscountFixed:
		if j.Value.IsNegative() {
			return nil, errors.New("fixed amount must not be negative")
		}
	case rule.DiscountFreeShipping:
	default:
		return nil, errors.Errorf("unsupported discount type: %q", j.DiscountType)
	}

	if j.ValidFrom != nil && j.ValidTo != nil && j.ValidTo.Before(*j.ValidFrom) {
		return nil, errors.New("validTo precedes validFrom")
	}

	perCustomer := j.PerCustomerQuantity
	if perCustomer == 0 {
		perCustomer = 1
	}

	return &rule.Rule{
		Code:                 j.Code,
		Name:                 j.Name,
		Priority:             j.Priority,
		ValidFrom:            j.ValidFrom,
		ValidTo:              j.ValidTo,
		TotalQuantity:        j.TotalQuantity,
		PerCustomerQuantity:  perCustomer,
		RestrictedCustomerID: j.RestrictedCustomerID,
		MinimumPurchase:      j.MinimumPurchase,
		Currency:             j.Currency,
		DiscountType:         dtype,
		Value:                j.Value,
		Cumulative:           j.Cumulative,
	}, nil
}

func toRuleJSON(r *rule.Rule) ruleJSON {
	return ruleJSON{
		ID:                   r.ID,
		Code:                 r.Code,
		Name:                 r.Name,
		Priority:             r.Priority,
		ValidFrom:            r.ValidFrom,
		ValidTo:              r.ValidTo,
		TotalQuantity:        r.TotalQuantity,
		RedeemedCount:        r.RedeemedCount,
		PerCustomerQuantity:  r.PerCustomerQuantity,
		RestrictedCustomerID: r.RestrictedCustomerID,
		MinimumPurchase:      r.MinimumPurchase,
		Currency:             r.Currency,
		DiscountType:         string(r.DiscountType),
		Value:                r.Value,
		Cumulative:           r.Cumulative,
		Deleted:              r.Deleted(),
	}
}
