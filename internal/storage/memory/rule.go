// Package memory provides a mutex-guarded in-process rule.Repository.
// It mirrors the conditional-update semantics of the Postgres
// implementation and backs unit tests and the race property tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/promo-engine/internal/domain/rule"
)

var _ rule.Repository = (*RuleRepository)(nil)

type redemptionKey struct {
	ruleID  string
	orderID string
}

// RuleRepository is an in-memory rule.Repository. All methods are safe for
// concurrent use; CommitRedemption performs its quota check and record
// insert under one lock, giving the same atomicity as the SQL transaction.
type RuleRepository struct {
	mu          sync.Mutex
	rules       map[string]*rule.Rule
	redemptions map[redemptionKey]rule.Redemption
}

// NewRuleRepository returns an empty in-memory repository.
func NewRuleRepository() *RuleRepository {
	return &RuleRepository{
		rules:       make(map[string]*rule.Rule),
		redemptions: make(map[redemptionKey]rule.Redemption),
	}
}

// FindByCode looks up a live rule by code, case-insensitively.
func (s *RuleRepository) FindByCode(_ context.Context, code string) (*rule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rules {
		if r.Code != "" && strings.EqualFold(r.Code, code) && !r.Deleted() {
			cp := *r
			return &cp, nil
		}
	}
	return nil, rule.ErrNotFound
}

// FindAutomaticRules returns live code-less rules ordered by (priority, id).
func (s *RuleRepository) FindAutomaticRules(_ context.Context) ([]rule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []rule.Rule
	for _, r := range s.rules {
		if r.Automatic() && !r.Deleted() {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// RemainingQuota reports global and per-customer remaining redemptions.
func (s *RuleRepository) RemainingQuota(_ context.Context, ruleID, customerID string) (rule.Quota, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[ruleID]
	if !ok {
		return rule.Quota{}, rule.ErrNotFound
	}
	return s.quotaLocked(r, customerID), nil
}

func (s *RuleRepository) quotaLocked(r *rule.Rule, customerID string) rule.Quota {
	q := rule.Quota{
		GlobalRemaining:      rule.Unbounded,
		PerCustomerRemaining: rule.Unbounded,
	}
	if r.TotalQuantity > 0 {
		q.GlobalRemaining = max(0, r.TotalQuantity-r.RedeemedCount)
	}
	if customerID != "" && r.PerCustomerQuantity > 0 {
		q.PerCustomerRemaining = max(0, r.PerCustomerQuantity-s.customerCountLocked(r.ID, customerID))
	}
	return q
}

func (s *RuleRepository) customerCountLocked(ruleID, customerID string) int {
	n := 0
	for k, red := range s.redemptions {
		if k.ruleID == ruleID && red.CustomerID == customerID {
			n++
		}
	}
	return n
}

// CommitRedemption consumes one unit of quota and records the redemption.
// Check and mutation happen under a single lock.
func (s *RuleRepository) CommitRedemption(_ context.Context, ruleID, customerID, orderID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[ruleID]
	if !ok || r.Deleted() {
		return rule.ErrNotFound
	}

	key := redemptionKey{ruleID: ruleID, orderID: orderID}
	if _, exists := s.redemptions[key]; exists {
		return rule.ErrAlreadyRedeemedForOrder
	}

	if r.TotalQuantity > 0 && r.RedeemedCount >= r.TotalQuantity {
		return rule.ErrQuotaExhausted
	}
	if customerID != "" && r.PerCustomerQuantity > 0 &&
		s.customerCountLocked(ruleID, customerID) >= r.PerCustomerQuantity {
		return rule.ErrAlreadyUsedByCustomer
	}

	r.RedeemedCount++
	s.redemptions[key] = rule.Redemption{
		RuleID:     ruleID,
		CustomerID: customerID,
		OrderID:    orderID,
		Amount:     amount,
		CreatedAt:  time.Now(),
	}
	return nil
}

// ReleaseRedemption reverses a commit. Releasing an unknown redemption is a
// no-op, so compensation and retries are always safe.
func (s *RuleRepository) ReleaseRedemption(_ context.Context, ruleID, customerID, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := redemptionKey{ruleID: ruleID, orderID: orderID}
	red, ok := s.redemptions[key]
	if !ok || red.CustomerID != customerID {
		return nil
	}

	delete(s.redemptions, key)
	if r, exists := s.rules[ruleID]; exists && r.RedeemedCount > 0 {
		r.RedeemedCount--
	}
	return nil
}

// Create stores a new rule definition.
func (s *RuleRepository) Create(_ context.Context, r *rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.rules[cp.ID] = &cp
	return nil
}

// Update overwrites a live rule definition.
func (s *RuleRepository) Update(_ context.Context, r *rule.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[r.ID]
	if !ok || existing.Deleted() {
		return rule.ErrNotFound
	}

	cp := *r
	cp.CreatedAt = existing.CreatedAt
	cp.RedeemedCount = existing.RedeemedCount
	cp.UpdatedAt = time.Now()
	s.rules[cp.ID] = &cp
	return nil
}

// SoftDelete marks a rule deleted while keeping it resolvable by GetByID.
func (s *RuleRepository) SoftDelete(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[ruleID]
	if !ok {
		return rule.ErrNotFound
	}
	if r.DeletedAt == nil {
		now := time.Now()
		r.DeletedAt = &now
	}
	return nil
}

// GetByID fetches a rule regardless of soft deletion.
func (s *RuleRepository) GetByID(_ context.Context, ruleID string) (*rule.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[ruleID]
	if !ok {
		return nil, rule.ErrNotFound
	}
	cp := *r
	return &cp, nil
}
