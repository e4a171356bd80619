package rule

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/promo-engine/internal/domain/cart"
)

type mockQuotaRepo struct {
	quota    Quota
	quotaErr error
}

func (m *mockQuotaRepo) FindByCode(context.Context, string) (*Rule, error)  { return nil, ErrNotFound }
func (m *mockQuotaRepo) FindAutomaticRules(context.Context) ([]Rule, error) { return nil, nil }

func (m *mockQuotaRepo) RemainingQuota(context.Context, string, string) (Quota, error) {
	return m.quota, m.quotaErr
}

func (m *mockQuotaRepo) CommitRedemption(context.Context, string, string, string, decimal.Decimal) error {
	return nil
}

func (m *mockQuotaRepo) ReleaseRedemption(context.Context, string, string, string) error {
	return nil
}

func (m *mockQuotaRepo) Create(context.Context, *Rule) error      { return nil }
func (m *mockQuotaRepo) Update(context.Context, *Rule) error      { return nil }
func (m *mockQuotaRepo) SoftDelete(context.Context, string) error { return nil }
func (m *mockQuotaRepo) GetByID(context.Context, string) (*Rule, error) {
	return nil, ErrNotFound
}

func unboundedQuota() Quota {
	return Quota{GlobalRemaining: Unbounded, PerCustomerRemaining: Unbounded}
}

func TestEvaluator_Evaluate(t *testing.T) {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := fixedNow.Add(-24 * time.Hour)
	future := fixedNow.Add(24 * time.Hour)

	basicCart := cart.Snapshot{
		Items: []cart.LineItem{
			{ProductID: "p1", UnitPrice: decimal.NewFromInt(50), Quantity: 2},
		},
		CustomerID: "c1",
		Currency:   "EUR",
	}

	tests := []struct {
		name    string
		rule    Rule
		quota   Quota
		cart    cart.Snapshot
		applied []Rule
		wantErr error
	}{
		{
			name:  "rule with no constraints is eligible",
			rule:  Rule{ID: "r1", Code: "SAVE"},
			quota: unboundedQuota(),
			cart:  basicCart,
		},
		{
			name:    "soft-deleted rule reads as not found",
			rule:    Rule{ID: "r1", Code: "SAVE", DeletedAt: &past},
			cart:    basicCart,
			wantErr: ErrNotFound,
		},
		{
			name:    "rule not yet valid is expired",
			rule:    Rule{ID: "r1", Code: "SAVE", ValidFrom: &future},
			cart:    basicCart,
			wantErr: ErrExpired,
		},
		{
			name:  "window boundary is inclusive at both ends",
			rule:  Rule{ID: "r1", Code: "SAVE", ValidFrom: &fixedNow, ValidTo: &fixedNow},
			quota: unboundedQuota(),
			cart:  basicCart,
		},
		{
			name:    "one millisecond past ValidTo is expired",
			rule:    Rule{ID: "r1", Code: "SAVE", ValidTo: timePtr(fixedNow.Add(-time.Millisecond))},
			cart:    basicCart,
			wantErr: ErrExpired,
		},
		{
			name:    "restricted to another customer",
			rule:    Rule{ID: "r1", Code: "SAVE", RestrictedCustomerID: "c2"},
			cart:    basicCart,
			wantErr: ErrCustomerRestricted,
		},
		{
			name:    "restricted rule rejects guest carts",
			rule:    Rule{ID: "r1", Code: "SAVE", RestrictedCustomerID: "c1"},
			cart:    cart.Snapshot{Items: basicCart.Items, Currency: "EUR"},
			wantErr: ErrCustomerRestricted,
		},
		{
			name:  "restricted rule accepts its own customer",
			rule:  Rule{ID: "r1", Code: "SAVE", RestrictedCustomerID: "c1"},
			quota: unboundedQuota(),
			cart:  basicCart,
		},
		{
			name:    "global quota spent",
			rule:    Rule{ID: "r1", Code: "SAVE", TotalQuantity: 5},
			quota:   Quota{GlobalRemaining: 0, PerCustomerRemaining: Unbounded},
			cart:    basicCart,
			wantErr: ErrQuotaExhausted,
		},
		{
			name:    "per-customer quota spent",
			rule:    Rule{ID: "r1", Code: "SAVE", PerCustomerQuantity: 1},
			quota:   Quota{GlobalRemaining: Unbounded, PerCustomerRemaining: 0},
			cart:    basicCart,
			wantErr: ErrAlreadyUsedByCustomer,
		},
		{
			name:    "expiry is reported before quota exhaustion",
			rule:    Rule{ID: "r1", Code: "SAVE", ValidTo: &past, TotalQuantity: 5},
			quota:   Quota{GlobalRemaining: 0, PerCustomerRemaining: 0},
			cart:    basicCart,
			wantErr: ErrExpired,
		},
		{
			name:    "customer restriction is reported before quota exhaustion",
			rule:    Rule{ID: "r1", Code: "SAVE", RestrictedCustomerID: "c2", TotalQuantity: 5},
			quota:   Quota{GlobalRemaining: 0, PerCustomerRemaining: Unbounded},
			cart:    basicCart,
			wantErr: ErrCustomerRestricted,
		},
		{
			name: "subtotal below minimum purchase",
			rule: Rule{
				ID: "r1", Code: "SAVE",
				MinimumPurchase: decimal.NewFromInt(200),
				Currency:        "EUR",
			},
			quota:   unboundedQuota(),
			cart:    basicCart,
			wantErr: ErrBelowMinimumPurchase,
		},
		{
			name: "subtotal exactly at minimum purchase passes",
			rule: Rule{
				ID: "r1", Code: "SAVE",
				MinimumPurchase: decimal.NewFromInt(100),
				Currency:        "EUR",
			},
			quota: unboundedQuota(),
			cart:  basicCart,
		},
		{
			name: "minimum purchase in another currency never matches",
			rule: Rule{
				ID: "r1", Code: "SAVE",
				MinimumPurchase: decimal.NewFromInt(10),
				Currency:        "USD",
			},
			quota:   unboundedQuota(),
			cart:    basicCart,
			wantErr: ErrBelowMinimumPurchase,
		},
		{
			name:  "non-cumulative rule stacks with cumulative rules",
			rule:  Rule{ID: "r1", Code: "SAVE"},
			quota: unboundedQuota(),
			cart:  basicCart,
			applied: []Rule{
				{ID: "r2", Cumulative: true},
				{ID: "r3", Cumulative: true},
			},
		},
		{
			name:  "two non-cumulative rules never coexist",
			rule:  Rule{ID: "r1", Code: "SAVE"},
			quota: unboundedQuota(),
			cart:  basicCart,
			applied: []Rule{
				{ID: "r2"},
			},
			wantErr: ErrNotCombinable,
		},
		{
			name:  "cumulative rule ignores applied non-cumulative rule",
			rule:  Rule{ID: "r1", Code: "SAVE", Cumulative: true},
			quota: unboundedQuota(),
			cart:  basicCart,
			applied: []Rule{
				{ID: "r2"},
			},
		},
		{
			name:  "rule does not conflict with itself in the applied set",
			rule:  Rule{ID: "r1", Code: "SAVE"},
			quota: unboundedQuota(),
			cart:  basicCart,
			applied: []Rule{
				{ID: "r1"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockQuotaRepo{quota: tt.quota}
			eval := NewEvaluator(repo).WithClock(func() time.Time { return fixedNow })

			err := eval.Evaluate(context.Background(), &tt.rule, tt.cart, tt.applied)

			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEvaluator_Evaluate_nilRule(t *testing.T) {
	eval := NewEvaluator(&mockQuotaRepo{})

	err := eval.Evaluate(context.Background(), nil, cart.Snapshot{}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluator_Evaluate_storageFailure(t *testing.T) {
	repo := &mockQuotaRepo{quotaErr: ErrUnavailable}
	eval := NewEvaluator(repo)

	err := eval.Evaluate(context.Background(), &Rule{ID: "r1"}, cart.Snapshot{CustomerID: "c1"}, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func timePtr(t time.Time) *time.Time {
	return &t
}
