// Command seed-db provisions a database with demo cart rules and an admin
// API key, for local development and integration testing.
package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/rule"
	"github.com/xenking/promo-engine/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		apiKey       string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&apiKey, "api-key", "", "admin API key to seed (or PROMO_SEED_API_KEY env)")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or PROMO_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKey == "" {
		apiKey = os.Getenv("PROMO_SEED_API_KEY")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("PROMO_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, apiKey, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, apiKey, pepper string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := postgres.NewRuleRepository(pool)
	for _, r := range demoRules() {
		if err := repo.Create(ctx, &r); err != nil {
			return errors.Wrapf(err, "create rule %s", r.Name)
		}
		slog.Info("rule created", slog.String("name", r.Name), slog.String("code", r.Code))
	}

	if apiKey != "" {
		if err := seedAPIKey(ctx, pool, apiKey, pepper); err != nil {
			return errors.Wrap(err, "seed api key")
		}
		slog.Info("admin api key seeded")
	}

	return nil
}

func demoRules() []rule.Rule {
	now := time.Now()
	nextMonth := now.AddDate(0, 1, 0)

	return []rule.Rule{
		{
			ID:                  uuid.New().String(),
			Code:                "WELCOME20",
			Name:                "20% off your order",
			Priority:            1,
			ValidFrom:           &now,
			ValidTo:             &nextMonth,
			PerCustomerQuantity: 1,
			Currency:            "EUR",
			DiscountType:        rule.DiscountPercentage,
			Value:               decimal.NewFromInt(20),
		},
		{
			ID:                  uuid.New().String(),
			Code:                "TENOFF",
			Name:                "10 EUR off orders over 100 EUR",
			Priority:            2,
			ValidTo:             &nextMonth,
			TotalQuantity:       100,
			PerCustomerQuantity: 2,
			MinimumPurchase:     decimal.NewFromInt(100),
			Currency:            "EUR",
			DiscountType:        rule.DiscountFixed,
			Value:               decimal.NewFromInt(10),
			Cumulative:          true,
		},
		{
			ID:                  uuid.New().String(),
			Name:                "Free shipping over 50 EUR",
			Priority:            10,
			PerCustomerQuantity: 0,
			MinimumPurchase:     decimal.NewFromInt(50),
			Currency:            "EUR",
			DiscountType:        rule.DiscountFreeShipping,
			Cumulative:          true,
		},
	}
}

func seedAPIKey(ctx context.Context, pool *pgxpool.Pool, key, pepper string) error {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(key))
	hash := hex.EncodeToString(mac.Sum(nil))

	_, err := pool.Exec(ctx, `INSERT INTO api_keys (id, key_hash, name)
		VALUES ($1, $2, 'seeded-admin')
		ON CONFLICT (key_hash) DO NOTHING`, uuid.New().String(), hash)
	return err
}
