package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/promo-engine/internal/domain/rule"
)

func TestRuleRepository_FindByCode(t *testing.T) {
	repo := NewRuleRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &rule.Rule{ID: "r1", Code: "Summer20"}))

	for _, code := range []string{"Summer20", "SUMMER20", "summer20"} {
		r, err := repo.FindByCode(ctx, code)
		require.NoError(t, err, "code %q", code)
		assert.Equal(t, "r1", r.ID)
	}

	_, err := repo.FindByCode(ctx, "WINTER")
	assert.ErrorIs(t, err, rule.ErrNotFound)
}

func TestRuleRepository_FindAutomaticRules(t *testing.T) {
	repo := NewRuleRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &rule.Rule{ID: "b", Priority: 10}))
	require.NoError(t, repo.Create(ctx, &rule.Rule{ID: "a", Priority: 10}))
	require.NoError(t, repo.Create(ctx, &rule.Rule{ID: "c", Priority: 5}))
	require.NoError(t, repo.Create(ctx, &rule.Rule{ID: "coded", Code: "X", Priority: 1}))

	rules, err := repo.FindAutomaticRules(ctx)
	require.NoError(t, err)

	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids, "ordered by priority then id, coded rules excluded")
}

func TestRuleRepository_RemainingQuota(t *testing.T) {
	repo := NewRuleRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &rule.Rule{
		ID:                  "r1",
		TotalQuantity:       2,
		PerCustomerQuantity: 1,
	}))

	q, err := repo.RemainingQuota(ctx, "r1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, q.GlobalRemaining)
	assert.Equal(t, 1, q.PerCustomerRemaining)

	require.NoError(t, repo.CommitRedemption(ctx, "r1", "c1", "o1", decimal.NewFromInt(5)))

	q, err = repo.RemainingQuota(ctx, "r1", "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.GlobalRemaining)
	assert.Equal(t, 0, q.PerCustomerRemaining)

	// Guests have no per-customer dimension.
	q, err = repo.RemainingQuota(ctx, "r1", "")
	require.NoError(t, err)
	assert.Equal(t, rule.Unbounded, q.PerCustomerRemaining)

	_, err = repo.RemainingQuota(ctx, "ghost", "c1")
	assert.ErrorIs(t, err, rule.ErrNotFound)
}

func TestRuleRepository_Update(t *testing.T) {
	repo := NewRuleRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &rule.Rule{ID: "r1", Name: "before", TotalQuantity: 5}))
	require.NoError(t, repo.CommitRedemption(ctx, "r1", "c1", "o1", decimal.NewFromInt(5)))

	require.NoError(t, repo.Update(ctx, &rule.Rule{ID: "r1", Name: "after", TotalQuantity: 5}))

	r, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "after", r.Name)
	assert.Equal(t, 1, r.RedeemedCount, "redemption counter belongs to the engine, not the editor")

	err = repo.Update(ctx, &rule.Rule{ID: "ghost"})
	assert.ErrorIs(t, err, rule.ErrNotFound)
}

func TestRuleRepository_SoftDelete(t *testing.T) {
	repo := NewRuleRepository()
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &rule.Rule{ID: "r1", Code: "GONE"}))
	require.NoError(t, repo.SoftDelete(ctx, "r1"))

	_, err := repo.FindByCode(ctx, "GONE")
	assert.ErrorIs(t, err, rule.ErrNotFound)

	r, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, r.Deleted())

	assert.ErrorIs(t, repo.SoftDelete(ctx, "ghost"), rule.ErrNotFound)
}
