package rule

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/promo-engine/internal/domain/cart"
)

// Evaluator decides whether a rule may be applied to a cart. Checks run in a
// fixed order and the first failure wins, so each rejection maps to a stable
// user-facing message:
//
//  1. soft-deleted rule          -> ErrNotFound
//  2. outside validity window    -> ErrExpired
//  3. customer restriction       -> ErrCustomerRestricted
//  4. global quota spent         -> ErrQuotaExhausted
//  5. per-customer quota spent   -> ErrAlreadyUsedByCustomer
//  6. subtotal below threshold   -> ErrBelowMinimumPurchase
//  7. combinability conflict     -> ErrNotCombinable
type Evaluator struct {
	repo Repository
	now  func() time.Time
}

// NewEvaluator creates an Evaluator reading quota state from repo.
func NewEvaluator(repo Repository) *Evaluator {
	return &Evaluator{repo: repo, now: time.Now}
}

// WithClock overrides the evaluation clock. Used by tests to pin the
// validity window boundary.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate returns nil when r is eligible for c given the rules already
// applied to the cart. The window is evaluated at call time, never at
// code-entry time: a code entered before expiry but finalized after it
// fails here at finalization.
func (e *Evaluator) Evaluate(ctx context.Context, r *Rule, c cart.Snapshot, applied []Rule) error {
	if r == nil || r.Deleted() {
		return ErrNotFound
	}

	now := e.now()
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return ErrExpired
	}
	if r.ValidTo != nil && now.After(*r.ValidTo) {
		return ErrExpired
	}

	if r.RestrictedCustomerID != "" && r.RestrictedCustomerID != c.CustomerID {
		return ErrCustomerRestricted
	}

	quota, err := e.repo.RemainingQuota(ctx, r.ID, c.CustomerID)
	if err != nil {
		return errors.Wrap(err, "remaining quota")
	}
	if quota.GlobalRemaining == 0 {
		return ErrQuotaExhausted
	}
	if quota.PerCustomerRemaining == 0 {
		return ErrAlreadyUsedByCustomer
	}

	if r.MinimumPurchase.IsPositive() {
		// A threshold in another currency can never be satisfied.
		if r.Currency != "" && c.Currency != "" && r.Currency != c.Currency {
			return ErrBelowMinimumPurchase
		}
		if c.Subtotal().LessThan(r.MinimumPurchase) {
			return ErrBelowMinimumPurchase
		}
	}

	if !r.Cumulative {
		for i := range applied {
			if applied[i].ID == r.ID {
				continue
			}
			if !applied[i].Cumulative {
				return ErrNotCombinable
			}
		}
	}

	return nil
}
