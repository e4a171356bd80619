package rule

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Discount is the priced outcome of applying one rule. Amount is rounded
// half-up to 2 decimal places, floored at zero, and never exceeds the
// subtotal it was computed against.
type Discount struct {
	RuleID       string
	RuleName     string
	Amount       decimal.Decimal
	FreeShipping bool
}

// Compute prices r against the remaining cart subtotal. When rules stack,
// the caller feeds each rule the subtotal left after prior discounts, so the
// combined discount can never exceed the cart total.
func Compute(r *Rule, remaining decimal.Decimal) Discount {
	d := Discount{RuleID: r.ID, RuleName: r.Name, Amount: decimal.Zero}

	switch r.DiscountType {
	case DiscountPercentage:
		amount := remaining.Mul(r.Value).Div(hundred).Round(2)
		d.Amount = clamp(amount, remaining)
	case DiscountFixed:
		d.Amount = clamp(r.Value.Round(2), remaining)
	case DiscountFreeShipping:
		// Zero monetary discount; the shipping component reads the flag.
		d.FreeShipping = true
	}

	return d
}

// clamp bounds amount to [0, limit].
func clamp(amount, limit decimal.Decimal) decimal.Decimal {
	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(limit) {
		return limit
	}
	return amount
}
