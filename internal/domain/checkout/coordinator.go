// Package checkout orchestrates the two-phase apply/finalize protocol for
// cart rules: a non-durable preview priced on every cart view, and an
// atomic, all-or-nothing quota commit at order placement.
package checkout

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/promo-engine/internal/domain/cart"
	"github.com/xenking/promo-engine/internal/domain/rule"
)

// PricedCart is the preview outcome: the discounts that would apply if the
// order were placed right now. It is a UI hint with no durability guarantee;
// quota may be gone by the time the order finalizes.
type PricedCart struct {
	Subtotal      decimal.Decimal
	Applied       []rule.Discount
	TotalDiscount decimal.Decimal
	Total         decimal.Decimal
	FreeShipping  bool

	// Rejection is set when an explicitly entered code was ineligible.
	// Automatic rules that do not apply are skipped silently.
	Rejection error
}

// FinalizedOrder is the durable outcome of a successful finalize.
type FinalizedOrder struct {
	OrderID       string
	Applied       []rule.Discount
	TotalDiscount decimal.Decimal
	Total         decimal.Decimal
	FreeShipping  bool
}

// RedemptionError reports which rule caused a finalize to fail and why.
// Unwrap exposes the sentinel reason for errors.Is checks.
type RedemptionError struct {
	RuleID string
	Reason error
}

func (e *RedemptionError) Error() string {
	return fmt.Sprintf("redeem rule %s: %s", e.RuleID, e.Reason)
}

func (e *RedemptionError) Unwrap() error {
	return e.Reason
}

// Coordinator wires the rule repository and evaluator into the preview and
// finalize operations. It owns the atomicity guarantee across the set of
// applied rules: a finalize either commits every rule or none.
type Coordinator struct {
	repo rule.Repository
	eval *rule.Evaluator
}

// NewCoordinator creates a Coordinator over the given repository and
// evaluator.
func NewCoordinator(repo rule.Repository, eval *rule.Evaluator) *Coordinator {
	return &Coordinator{repo: repo, eval: eval}
}

// Preview resolves the candidate rules for the cart (the entered code, if
// any, plus all automatic rules), evaluates them against current state, and
// prices the survivors. It never mutates quota and never caches: every call
// re-derives the outcome, since a quota available seconds ago may be
// exhausted now.
func (co *Coordinator) Preview(ctx context.Context, c cart.Snapshot, code string) (*PricedCart, error) {
	candidates, rejection, err := co.resolveCandidates(ctx, c, code)
	if err != nil {
		return nil, err
	}

	priced := &PricedCart{
		Subtotal:  c.Subtotal(),
		Rejection: rejection,
	}

	applied, err := co.applyAll(ctx, c, candidates, func(r *rule.Rule, evalErr error) error {
		if r.Code != "" && priced.Rejection == nil {
			priced.Rejection = evalErr
		}
		return nil // ineligible rules are skipped in preview
	})
	if err != nil {
		return nil, err
	}

	priced.Applied = applied
	priced.TotalDiscount, priced.FreeShipping = sum(applied)
	priced.Total = priced.Subtotal.Sub(priced.TotalDiscount).Round(2)
	return priced, nil
}

// Finalize re-validates every rule in ruleIDs against the cart state at this
// moment, then commits the redemptions in (priority asc, id asc) order. If
// any commit fails, redemptions already committed for this order are
// released before returning, so the caller never sees a partial discount
// set. The typed reason of the first failing rule is returned as a
// *RedemptionError.
func (co *Coordinator) Finalize(ctx context.Context, c cart.Snapshot, orderID string, ruleIDs []string) (*FinalizedOrder, error) {
	rules := make([]*rule.Rule, 0, len(ruleIDs))
	seen := make(map[string]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		r, err := co.repo.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, rule.ErrNotFound) {
				return nil, &RedemptionError{RuleID: id, Reason: rule.ErrNotFound}
			}
			return nil, errors.Wrapf(err, "load rule %s", id)
		}
		rules = append(rules, r)
	}

	// Fixed commit order: ascending priority, then ID. Concurrent finalize
	// calls touching overlapping rule sets lock rule rows in the same
	// order, so they cannot deadlock.
	sortRules(rules)

	var firstErr *RedemptionError
	applied, err := co.applyAll(ctx, c, rules, func(r *rule.Rule, evalErr error) error {
		firstErr = &RedemptionError{RuleID: r.ID, Reason: evalErr}
		return evalErr
	})
	if err != nil {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, err
	}

	committed := make([]rule.Discount, 0, len(applied))
	for _, d := range applied {
		if err := co.repo.CommitRedemption(ctx, d.RuleID, c.CustomerID, orderID, d.Amount); err != nil {
			co.compensate(ctx, c.CustomerID, orderID, committed)
			if reason := redemptionReason(err); reason != nil {
				return nil, &RedemptionError{RuleID: d.RuleID, Reason: reason}
			}
			return nil, errors.Wrapf(err, "commit rule %s", d.RuleID)
		}
		committed = append(committed, d)
	}

	out := &FinalizedOrder{OrderID: orderID, Applied: applied}
	out.TotalDiscount, out.FreeShipping = sum(applied)
	out.Total = c.Subtotal().Sub(out.TotalDiscount).Round(2)
	return out, nil
}

// Release reverses a single committed redemption. It is the compensation
// hook for order-placement rollback and is safe to call for redemptions
// that were never committed.
func (co *Coordinator) Release(ctx context.Context, ruleID, customerID, orderID string) error {
	if err := co.repo.ReleaseRedemption(ctx, ruleID, customerID, orderID); err != nil {
		return errors.Wrapf(err, "release rule %s", ruleID)
	}
	return nil
}

// resolveCandidates collects the coded rule (if any) and all automatic
// rules, sorted by (priority, id). A code that resolves to no live rule is
// reported as a rejection, not an error.
func (co *Coordinator) resolveCandidates(ctx context.Context, c cart.Snapshot, code string) ([]*rule.Rule, error, error) {
	var rejection error

	candidates := make([]*rule.Rule, 0, 4)
	if code != "" {
		r, err := co.repo.FindByCode(ctx, code)
		switch {
		case err == nil:
			candidates = append(candidates, r)
		case errors.Is(err, rule.ErrNotFound):
			rejection = rule.ErrNotFound
		default:
			return nil, nil, errors.Wrapf(err, "find rule by code %q", code)
		}
	}

	automatic, err := co.repo.FindAutomaticRules(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "find automatic rules")
	}
	for i := range automatic {
		candidates = append(candidates, &automatic[i])
	}

	sortRules(candidates)
	return candidates, rejection, nil
}

// applyAll evaluates the candidates in order and prices the eligible ones
// against the subtotal remaining after prior discounts. onIneligible decides
// whether an eligibility failure skips the rule (return nil) or aborts.
func (co *Coordinator) applyAll(
	ctx context.Context,
	c cart.Snapshot,
	candidates []*rule.Rule,
	onIneligible func(r *rule.Rule, evalErr error) error,
) ([]rule.Discount, error) {
	var (
		applied   []rule.Discount
		accepted  []rule.Rule
		remaining = c.Subtotal()
	)

	for _, r := range candidates {
		evalErr := co.eval.Evaluate(ctx, r, c, accepted)
		if evalErr != nil {
			if !isEligibilityReason(evalErr) {
				return nil, evalErr // storage failure, not a rejection
			}
			if err := onIneligible(r, evalErr); err != nil {
				return nil, err
			}
			continue
		}

		d := rule.Compute(r, remaining)
		remaining = remaining.Sub(d.Amount)
		applied = append(applied, d)
		accepted = append(accepted, *r)
	}

	return applied, nil
}

// compensate releases every redemption committed so far for this order.
// Failures are logged and swallowed: ReleaseRedemption is idempotent, so an
// operator (or retry) can re-issue it safely.
func (co *Coordinator) compensate(ctx context.Context, customerID, orderID string, committed []rule.Discount) {
	for i := len(committed) - 1; i >= 0; i-- {
		d := committed[i]
		if err := co.repo.ReleaseRedemption(ctx, d.RuleID, customerID, orderID); err != nil {
			zctx.From(ctx).Error("compensation failed",
				zap.String("rule_id", d.RuleID),
				zap.String("order_id", orderID),
				zap.Error(err),
			)
		}
	}
}

func sortRules(rules []*rule.Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

func sum(applied []rule.Discount) (decimal.Decimal, bool) {
	total := decimal.Zero
	freeShipping := false
	for _, d := range applied {
		total = total.Add(d.Amount)
		freeShipping = freeShipping || d.FreeShipping
	}
	return total.Round(2), freeShipping
}

// isEligibilityReason reports whether err is one of the user-facing
// rejection reasons, as opposed to a storage failure.
func isEligibilityReason(err error) bool {
	for _, reason := range []error{
		rule.ErrNotFound,
		rule.ErrExpired,
		rule.ErrCustomerRestricted,
		rule.ErrQuotaExhausted,
		rule.ErrAlreadyUsedByCustomer,
		rule.ErrBelowMinimumPurchase,
		rule.ErrNotCombinable,
	} {
		if errors.Is(err, reason) {
			return true
		}
	}
	return false
}

// redemptionReason maps a commit failure to its user-facing sentinel, or nil
// for storage failures.
func redemptionReason(err error) error {
	for _, reason := range []error{
		rule.ErrQuotaExhausted,
		rule.ErrAlreadyUsedByCustomer,
		rule.ErrAlreadyRedeemedForOrder,
		rule.ErrNotFound,
	} {
		if errors.Is(err, reason) {
			return reason
		}
	}
	return nil
}
