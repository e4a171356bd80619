// Package cart defines the read-only cart snapshot consumed by the
// promotion engine. The engine never mutates a cart; the storefront owns it.
package cart

import "github.com/shopspring/decimal"

// LineItem is a single product line in the cart.
type LineItem struct {
	ProductID string
	UnitPrice decimal.Decimal
	Quantity  int
}

// Snapshot is the state of a cart at a single point in time. CustomerID is
// empty for guest carts. Subtotal is the pre-discount, tax-excluded total.
type Snapshot struct {
	Items      []LineItem
	CustomerID string
	Currency   string
}

// IsGuest reports whether the cart belongs to an unauthenticated customer.
func (s Snapshot) IsGuest() bool {
	return s.CustomerID == ""
}

// Subtotal returns the sum of unit price * quantity across all line items.
func (s Snapshot) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range s.Items {
		line := item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		sum = sum.Add(line)
	}
	return sum
}
