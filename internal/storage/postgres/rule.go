package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/rule"
)

const ruleColumns = `id, code, name, priority, valid_from, valid_to,
	total_quantity, redeemed_count, per_customer_quantity,
	restricted_customer_id, minimum_purchase, currency,
	discount_type, value, cumulative, created_at, updated_at, deleted_at`

const (
	findByCodeSQL = `SELECT ` + ruleColumns + ` FROM cart_rules
		WHERE code IS NOT NULL AND UPPER(code) = UPPER($1) AND deleted_at IS NULL`

	findAutomaticSQL = `SELECT ` + ruleColumns + ` FROM cart_rules
		WHERE code IS NULL AND deleted_at IS NULL
		ORDER BY priority ASC, id ASC`

	getByIDSQL = `SELECT ` + ruleColumns + ` FROM cart_rules WHERE id = $1`

	remainingQuotaSQL = `SELECT r.total_quantity, r.redeemed_count, r.per_customer_quantity,
		(SELECT count(*) FROM redemptions WHERE rule_id = r.id AND customer_id = $2)
		FROM cart_rules r WHERE r.id = $1`

	// The conditional UPDATE is the serialization point for a rule's quota:
	// it locks the rule row and only succeeds while quota remains, so two
	// transactions racing for the last unit produce exactly one success.
	consumeQuotaSQL = `UPDATE cart_rules
		SET redeemed_count = redeemed_count + 1, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
			AND (total_quantity = 0 OR redeemed_count < total_quantity)
		RETURNING per_customer_quantity`

	orderRedeemedSQL = `SELECT EXISTS (
		SELECT 1 FROM redemptions WHERE rule_id = $1 AND order_id = $2)`

	customerCountSQL = `SELECT count(*) FROM redemptions
		WHERE rule_id = $1 AND customer_id = $2`

	insertRedemptionSQL = `INSERT INTO redemptions (rule_id, customer_id, order_id, amount)
		VALUES ($1, $2, $3, $4)`

	deleteRedemptionSQL = `DELETE FROM redemptions
		WHERE rule_id = $1 AND customer_id = $2 AND order_id = $3`

	restoreQuotaSQL = `UPDATE cart_rules
		SET redeemed_count = GREATEST(redeemed_count - 1, 0), updated_at = now()
		WHERE id = $1`

	createRuleSQL = `INSERT INTO cart_rules (id, code, name, priority, valid_from, valid_to,
		total_quantity, per_customer_quantity, restricted_customer_id,
		minimum_purchase, currency, discount_type, value, cumulative)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	updateRuleSQL = `UPDATE cart_rules
		SET code = $2, name = $3, priority = $4, valid_from = $5, valid_to = $6,
			total_quantity = $7, per_customer_quantity = $8,
			restricted_customer_id = $9, minimum_purchase = $10, currency = $11,
			discount_type = $12, value = $13, cumulative = $14, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`

	softDeleteRuleSQL = `UPDATE cart_rules SET deleted_at = now()
		WHERE id = $1 AND deleted_at IS NULL`

	ruleExistsSQL = `SELECT deleted_at IS NOT NULL FROM cart_rules WHERE id = $1`
)

var _ rule.Repository = (*RuleRepository)(nil)

// RuleRepository implements rule.Repository backed by PostgreSQL.
type RuleRepository struct {
	pool *pgxpool.Pool
}

// NewRuleRepository returns a RuleRepository that uses the given pool.
func NewRuleRepository(pool *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{pool: pool}
}

// FindByCode looks up a live rule by its code (case-insensitive).
// Returns rule.ErrNotFound when no matching live rule exists.
func (r *RuleRepository) FindByCode(ctx context.Context, code string) (*rule.Rule, error) {
	rows, err := r.pool.Query(ctx, findByCodeSQL, code)
	if err != nil {
		return nil, storageErr(err, "finding rule by code")
	}

	rr, err := pgx.CollectExactlyOneRow(rows, scanRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rule.ErrNotFound
		}
		return nil, storageErr(err, "finding rule by code")
	}
	return &rr, nil
}

// FindAutomaticRules returns all live code-less rules ordered by
// (priority asc, id asc).
func (r *RuleRepository) FindAutomaticRules(ctx context.Context) ([]rule.Rule, error) {
	rows, err := r.pool.Query(ctx, findAutomaticSQL)
	if err != nil {
		return nil, storageErr(err, "listing automatic rules")
	}

	rules, err := pgx.CollectRows(rows, scanRule)
	if err != nil {
		return nil, storageErr(err, "listing automatic rules")
	}
	return rules, nil
}

// GetByID fetches a rule by ID, including soft-deleted ones.
func (r *RuleRepository) GetByID(ctx context.Context, ruleID string) (*rule.Rule, error) {
	rows, err := r.pool.Query(ctx, getByIDSQL, ruleID)
	if err != nil {
		return nil, storageErr(err, "getting rule")
	}

	rr, err := pgx.CollectExactlyOneRow(rows, scanRule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, rule.ErrNotFound
		}
		return nil, storageErr(err, "getting rule")
	}
	return &rr, nil
}

// RemainingQuota reads the global and per-customer remaining counts from the
// latest committed state.
func (r *RuleRepository) RemainingQuota(ctx context.Context, ruleID, customerID string) (rule.Quota, error) {
	var (
		totalQuantity  int
		redeemedCount  int
		perCustomerCap int
		customerUsed   int
	)
	err := r.pool.QueryRow(ctx, remainingQuotaSQL, ruleID, customerID).
		Scan(&totalQuantity, &redeemedCount, &perCustomerCap, &customerUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rule.Quota{}, rule.ErrNotFound
		}
		return rule.Quota{}, storageErr(err, "reading quota")
	}

	q := rule.Quota{
		GlobalRemaining:      rule.Unbounded,
		PerCustomerRemaining: rule.Unbounded,
	}
	if totalQuantity > 0 {
		q.GlobalRemaining = max(0, totalQuantity-redeemedCount)
	}
	if customerID != "" && perCustomerCap > 0 {
		q.PerCustomerRemaining = max(0, perCustomerCap-customerUsed)
	}
	return q, nil
}

// CommitRedemption consumes one unit of quota and records the redemption in
// a single transaction. The conditional UPDATE serializes commits per rule,
// so the per-customer count check that follows it cannot race with another
// commit for the same rule.
func (r *RuleRepository) CommitRedemption(ctx context.Context, ruleID, customerID, orderID string, amount decimal.Decimal) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr(err, "beginning redemption")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var alreadyRedeemed bool
	if err := tx.QueryRow(ctx, orderRedeemedSQL, ruleID, orderID).Scan(&alreadyRedeemed); err != nil {
		return storageErr(err, "checking order redemption")
	}
	if alreadyRedeemed {
		return rule.ErrAlreadyRedeemedForOrder
	}

	var perCustomerCap int
	err = tx.QueryRow(ctx, consumeQuotaSQL, ruleID).Scan(&perCustomerCap)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r.quotaFailure(ctx, ruleID)
		}
		return storageErr(err, "consuming quota")
	}

	if customerID != "" && perCustomerCap > 0 {
		var used int
		if err := tx.QueryRow(ctx, customerCountSQL, ruleID, customerID).Scan(&used); err != nil {
			return storageErr(err, "counting customer redemptions")
		}
		if used >= perCustomerCap {
			return rule.ErrAlreadyUsedByCustomer
		}
	}

	if _, err := tx.Exec(ctx, insertRedemptionSQL, ruleID, customerID, orderID, amount); err != nil {
		if isUniqueViolation(err) {
			return rule.ErrAlreadyRedeemedForOrder
		}
		return storageErr(err, "recording redemption")
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr(err, "committing redemption")
	}
	return nil
}

// quotaFailure distinguishes why the conditional quota UPDATE matched no row.
func (r *RuleRepository) quotaFailure(ctx context.Context, ruleID string) error {
	var deleted bool
	err := r.pool.QueryRow(ctx, ruleExistsSQL, ruleID).Scan(&deleted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rule.ErrNotFound
		}
		return storageErr(err, "resolving quota failure")
	}
	if deleted {
		return rule.ErrNotFound
	}
	return rule.ErrQuotaExhausted
}

// ReleaseRedemption reverses a commit: drops the redemption row and restores
// one unit of quota. Idempotent; releasing an unknown redemption is a no-op.
func (r *RuleRepository) ReleaseRedemption(ctx context.Context, ruleID, customerID, orderID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return storageErr(err, "beginning release")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, deleteRedemptionSQL, ruleID, customerID, orderID)
	if err != nil {
		return storageErr(err, "deleting redemption")
	}
	if tag.RowsAffected() == 0 {
		return nil // nothing to release
	}

	if _, err := tx.Exec(ctx, restoreQuotaSQL, ruleID); err != nil {
		return storageErr(err, "restoring quota")
	}

	if err := tx.Commit(ctx); err != nil {
		return storageErr(err, "committing release")
	}
	return nil
}

// Create persists a new rule definition.
func (r *RuleRepository) Create(ctx context.Context, rr *rule.Rule) error {
	_, err := r.pool.Exec(ctx, createRuleSQL,
		rr.ID, nullableCode(rr.Code), rr.Name, rr.Priority, rr.ValidFrom, rr.ValidTo,
		rr.TotalQuantity, rr.PerCustomerQuantity, nullableCode(rr.RestrictedCustomerID),
		rr.MinimumPurchase, rr.Currency, string(rr.DiscountType), rr.Value, rr.Cumulative,
	)
	if err != nil {
		return storageErr(err, "creating rule")
	}
	return nil
}

// Update overwrites a live rule definition.
func (r *RuleRepository) Update(ctx context.Context, rr *rule.Rule) error {
	tag, err := r.pool.Exec(ctx, updateRuleSQL,
		rr.ID, nullableCode(rr.Code), rr.Name, rr.Priority, rr.ValidFrom, rr.ValidTo,
		rr.TotalQuantity, rr.PerCustomerQuantity, nullableCode(rr.RestrictedCustomerID),
		rr.MinimumPurchase, rr.Currency, string(rr.DiscountType), rr.Value, rr.Cumulative,
	)
	if err != nil {
		return storageErr(err, "updating rule")
	}
	if tag.RowsAffected() == 0 {
		return rule.ErrNotFound
	}
	return nil
}

// SoftDelete marks a rule deleted, keeping it for order history.
func (r *RuleRepository) SoftDelete(ctx context.Context, ruleID string) error {
	tag, err := r.pool.Exec(ctx, softDeleteRuleSQL, ruleID)
	if err != nil {
		return storageErr(err, "soft-deleting rule")
	}
	if tag.RowsAffected() == 0 {
		return rule.ErrNotFound
	}
	return nil
}

func scanRule(row pgx.CollectableRow) (rule.Rule, error) {
	var (
		rr         rule.Rule
		code       *string
		restricted *string
		dtype      string
	)
	err := row.Scan(
		&rr.ID, &code, &rr.Name, &rr.Priority, &rr.ValidFrom, &rr.ValidTo,
		&rr.TotalQuantity, &rr.RedeemedCount, &rr.PerCustomerQuantity,
		&restricted, &rr.MinimumPurchase, &rr.Currency,
		&dtype, &rr.Value, &rr.Cumulative, &rr.CreatedAt, &rr.UpdatedAt, &rr.DeletedAt,
	)
	if code != nil {
		rr.Code = *code
	}
	if restricted != nil {
		rr.RestrictedCustomerID = *restricted
	}
	rr.DiscountType = rule.DiscountType(dtype)
	return rr, err
}

// nullableCode maps an empty string to SQL NULL so the partial unique index
// on UPPER(code) ignores automatic rules.
func nullableCode(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// storageErr wraps err with msg, surfacing timeouts and cancellations as
// rule.ErrUnavailable so callers retry instead of treating the failure as
// ineligibility.
func storageErr(err error, msg string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Wrap(rule.ErrUnavailable, msg)
	}
	return errors.Wrap(err, msg)
}
