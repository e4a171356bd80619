//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/promo-engine/internal/domain/rule"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "promo",
				"POSTGRES_PASSWORD": "promo",
				"POSTGRES_DB":       "promo",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Printf("terminate container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	url := fmt.Sprintf("postgres://promo:promo@%s:%s/promo?sslmode=disable", host, port.Port())

	testPool, err = NewPool(ctx, url)
	if err != nil {
		log.Fatalf("connect pool: %v", err)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	return m.Run()
}

func createTestRule(t *testing.T, r rule.Rule) *RuleRepository {
	t.Helper()

	repo := NewRuleRepository(testPool)
	require.NoError(t, repo.Create(context.Background(), &r))
	t.Cleanup(func() {
		_, _ = testPool.Exec(context.Background(), "DELETE FROM redemptions WHERE rule_id = $1", r.ID)
		_, _ = testPool.Exec(context.Background(), "DELETE FROM cart_rules WHERE id = $1", r.ID)
	})
	return repo
}

func TestRuleRepository_roundtrip(t *testing.T) {
	ctx := context.Background()
	repo := createTestRule(t, rule.Rule{
		ID:                  "it-roundtrip",
		Code:                "RoundTrip10",
		Name:                "Roundtrip",
		Priority:            7,
		TotalQuantity:       3,
		PerCustomerQuantity: 1,
		MinimumPurchase:     decimal.RequireFromString("25.50"),
		Currency:            "EUR",
		DiscountType:        rule.DiscountPercentage,
		Value:               decimal.NewFromInt(10),
		Cumulative:          true,
	})

	r, err := repo.FindByCode(ctx, "roundtrip10")
	require.NoError(t, err)
	assert.Equal(t, "it-roundtrip", r.ID)
	assert.Equal(t, 7, r.Priority)
	assert.True(t, decimal.RequireFromString("25.50").Equal(r.MinimumPurchase))
	assert.True(t, r.Cumulative)

	r.Name = "Renamed"
	require.NoError(t, repo.Update(ctx, r))

	r, err = repo.GetByID(ctx, "it-roundtrip")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", r.Name)

	require.NoError(t, repo.SoftDelete(ctx, "it-roundtrip"))

	_, err = repo.FindByCode(ctx, "RoundTrip10")
	assert.ErrorIs(t, err, rule.ErrNotFound)

	r, err = repo.GetByID(ctx, "it-roundtrip")
	require.NoError(t, err)
	assert.True(t, r.Deleted())
}

func TestRuleRepository_commitAndRelease(t *testing.T) {
	ctx := context.Background()
	repo := createTestRule(t, rule.Rule{
		ID:                  "it-commit",
		Code:                "Commit1",
		Name:                "Commit",
		TotalQuantity:       2,
		PerCustomerQuantity: 1,
		DiscountType:        rule.DiscountFixed,
		Value:               decimal.NewFromInt(5),
	})

	amount := decimal.NewFromInt(5)

	require.NoError(t, repo.CommitRedemption(ctx, "it-commit", "c1", "o1", amount))

	err := repo.CommitRedemption(ctx, "it-commit", "c1", "o1", amount)
	assert.ErrorIs(t, err, rule.ErrAlreadyRedeemedForOrder)

	err = repo.CommitRedemption(ctx, "it-commit", "c1", "o2", amount)
	assert.ErrorIs(t, err, rule.ErrAlreadyUsedByCustomer)

	require.NoError(t, repo.CommitRedemption(ctx, "it-commit", "c2", "o3", amount))

	err = repo.CommitRedemption(ctx, "it-commit", "c3", "o4", amount)
	assert.ErrorIs(t, err, rule.ErrQuotaExhausted)

	require.NoError(t, repo.ReleaseRedemption(ctx, "it-commit", "c2", "o3"))
	require.NoError(t, repo.ReleaseRedemption(ctx, "it-commit", "c2", "o3"), "release is idempotent")

	q, err := repo.RemainingQuota(ctx, "it-commit", "c2")
	require.NoError(t, err)
	assert.Equal(t, 1, q.GlobalRemaining)
	assert.Equal(t, 1, q.PerCustomerRemaining)
}

// TestRuleRepository_quotaConservation races many commits against a small
// quota and asserts no unit is lost or double-spent.
func TestRuleRepository_quotaConservation(t *testing.T) {
	const (
		contenders = 24
		quota      = 4
	)

	ctx := context.Background()
	repo := createTestRule(t, rule.Rule{
		ID:            "it-race",
		Code:          "Race4",
		Name:          "Race",
		TotalQuantity: quota,
		DiscountType:  rule.DiscountFixed,
		Value:         decimal.NewFromInt(1),
	})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exhausted int
	)

	for i := range contenders {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			err := repo.CommitRedemption(ctx, "it-race",
				fmt.Sprintf("cust-%d", n), fmt.Sprintf("order-%d", n), decimal.NewFromInt(1))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, rule.ErrQuotaExhausted):
				exhausted++
			default:
				t.Errorf("unexpected commit error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, quota, succeeded)
	assert.Equal(t, contenders-quota, exhausted)

	var redeemed, rows int
	require.NoError(t, testPool.QueryRow(ctx,
		"SELECT redeemed_count FROM cart_rules WHERE id = 'it-race'").Scan(&redeemed))
	require.NoError(t, testPool.QueryRow(ctx,
		"SELECT count(*) FROM redemptions WHERE rule_id = 'it-race'").Scan(&rows))

	assert.Equal(t, quota, redeemed)
	assert.Equal(t, quota, rows)
}
