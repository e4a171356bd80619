// Package rule defines cart rules (vouchers and automatic promotions),
// their eligibility checks, and discount calculation.
package rule

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported cart rule discount strategies.
type DiscountType string

const (
	// DiscountPercentage applies a percentage-based discount to the
	// remaining cart subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed applies a fixed monetary discount capped at the
	// remaining cart subtotal.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeShipping waives shipping cost. The monetary discount is
	// zero; the shipping component reads the flag off the priced cart.
	DiscountFreeShipping DiscountType = "free_shipping"
)

// Eligibility failures, ordered by check precedence. Callers surface these
// verbatim, so each maps to exactly one user-facing rejection message.
var (
	// ErrNotFound is returned for an unknown or soft-deleted rule or code.
	ErrNotFound = errors.New("voucher not found")
	// ErrExpired is returned when the rule is outside its validity window
	// at evaluation time.
	ErrExpired = errors.New("voucher expired")
	// ErrCustomerRestricted is returned when the rule is limited to a
	// single customer and the cart belongs to someone else (or a guest).
	ErrCustomerRestricted = errors.New("voucher reserved for another customer")
	// ErrQuotaExhausted is returned when the global redemption quota is
	// used up.
	ErrQuotaExhausted = errors.New("voucher usage limit reached")
	// ErrAlreadyUsedByCustomer is returned when this customer has already
	// redeemed the rule its per-customer quota of times.
	ErrAlreadyUsedByCustomer = errors.New("voucher already used")
	// ErrBelowMinimumPurchase is returned when the cart subtotal does not
	// reach the rule's minimum purchase amount.
	ErrBelowMinimumPurchase = errors.New("cart total below voucher minimum")
	// ErrNotCombinable is returned when a non-cumulative rule meets another
	// non-cumulative rule already applied to the cart.
	ErrNotCombinable = errors.New("voucher cannot be combined")
	// ErrAlreadyRedeemedForOrder guards against finalizing the same rule
	// twice for one order.
	ErrAlreadyRedeemedForOrder = errors.New("voucher already redeemed for this order")
	// ErrUnavailable is returned on storage timeouts and transient
	// failures. It never means ineligibility; callers retry with backoff.
	ErrUnavailable = errors.New("promotion storage unavailable")
)

// Rule is a promotional cart rule: an explicit voucher when Code is set, an
// automatic promotion otherwise.
type Rule struct {
	ID   string
	Code string // empty for automatic rules; matched case-insensitively
	Name string

	// Priority orders rule application and commit; lower applies first.
	// Ties break on ID so the order is total.
	Priority int

	ValidFrom *time.Time // inclusive; nil means no lower bound
	ValidTo   *time.Time // inclusive; nil means no upper bound

	// TotalQuantity caps global redemptions; 0 means unbounded.
	TotalQuantity int
	// RedeemedCount is the committed redemption count at load time. It is a
	// snapshot: the storage layer re-checks it on commit.
	RedeemedCount int
	// PerCustomerQuantity caps redemptions per customer. Defaults to 1.
	PerCustomerQuantity int

	// RestrictedCustomerID limits redemption to a single customer when set.
	RestrictedCustomerID string

	MinimumPurchase decimal.Decimal // tax-excluded threshold; zero disables
	Currency        string

	DiscountType DiscountType
	Value        decimal.Decimal // percentage 0-100 or fixed amount

	// Cumulative rules stack with anything. Two non-cumulative rules never
	// coexist on one cart.
	Cumulative bool

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time // soft delete; deleted rules stay for order history
}

// Deleted reports whether the rule has been soft-deleted.
func (r *Rule) Deleted() bool {
	return r.DeletedAt != nil
}

// Automatic reports whether the rule applies without a code being entered.
func (r *Rule) Automatic() bool {
	return r.Code == ""
}

// Redemption is one successful (rule, customer, order) redemption.
// Append-only; the (RuleID, OrderID) pair is unique.
type Redemption struct {
	RuleID     string
	CustomerID string
	OrderID    string
	Amount     decimal.Decimal
	CreatedAt  time.Time
}

// Quota is a point-in-time view of how many redemptions remain.
// A negative value means unbounded.
type Quota struct {
	GlobalRemaining      int
	PerCustomerRemaining int
}

// Unbounded marks a quota dimension with no cap.
const Unbounded = -1

// Repository provides durable storage of cart rules and their redemption
// state. CommitRedemption and ReleaseRedemption are the only mutating
// operations on quota state and must be atomic per rule: two commits racing
// for the last unit of quota must produce exactly one success.
type Repository interface {
	// FindByCode looks up a live rule by its code, case-insensitively.
	// Returns ErrNotFound when no live rule carries the code.
	FindByCode(ctx context.Context, code string) (*Rule, error)

	// FindAutomaticRules returns all live code-less rules ordered by
	// (priority asc, id asc).
	FindAutomaticRules(ctx context.Context) ([]Rule, error)

	// RemainingQuota reads the global and per-customer remaining counts,
	// consistent with the latest committed redemption. customerID may be
	// empty (guest); the per-customer dimension is then Unbounded.
	RemainingQuota(ctx context.Context, ruleID, customerID string) (Quota, error)

	// CommitRedemption atomically consumes one unit of quota and records
	// the redemption. Returns ErrQuotaExhausted when the global quota is
	// spent, ErrAlreadyUsedByCustomer when the per-customer quota is spent,
	// and ErrAlreadyRedeemedForOrder when (ruleID, orderID) already exists.
	CommitRedemption(ctx context.Context, ruleID, customerID, orderID string, amount decimal.Decimal) error

	// ReleaseRedemption reverses a commit. Idempotent: releasing a
	// redemption that does not exist is a no-op returning nil.
	ReleaseRedemption(ctx context.Context, ruleID, customerID, orderID string) error

	// Create persists a new rule definition.
	Create(ctx context.Context, r *Rule) error

	// Update overwrites a rule definition. Returns ErrNotFound for unknown
	// or soft-deleted rules.
	Update(ctx context.Context, r *Rule) error

	// SoftDelete marks a rule deleted while preserving it for order
	// history. Returns ErrNotFound for unknown rules.
	SoftDelete(ctx context.Context, ruleID string) error

	// GetByID fetches a rule regardless of soft deletion, so historical
	// orders can still resolve their applied rules.
	GetByID(ctx context.Context, ruleID string) (*Rule, error)
}
