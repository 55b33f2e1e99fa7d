/*
ledger.go - Transaction ledger service

PURPOSE:
  Service is the single entry point for every point-affecting operation.
  Each mutating call becomes one ledger operation:

    1. Check the actor's clearance (one comparison against a minimum Role)
    2. Open a TxStore.WithTx scope
    3. Read and check preconditions (balances, pools, promotions)
    4. Append ledger rows and apply balance/pool deltas
    5. Commit, or roll everything back on the first failure

OPERATIONS IN THIS FILE:
  Purchase:      cashier+ records a spend; points = floor(spent * rate) + bonus
  Adjustment:    manager+ corrects a balance, referencing an earlier row
  SetSuspicious: manager+ flips the audit flag (no balance effect)
  Reads:         GetTransaction, ListTransactions

SUSPICIOUS CASHIERS:
  A purchase recorded by a suspicious cashier stores the full computed
  amount and is itself marked suspicious, but credits nothing. Clearing
  the flag later does not credit the points; the flag is audit-only.

RETRIES:
  Only ErrConcurrentModification is retried, a bounded number of times.
  Business failures are returned to the caller as-is.

SEE ALSO:
  - promotion.go: Bonus computation
  - event.go: Event pool and awards
  - workflow.go: Transfers and redemptions
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultEarnRate is the number of points earned per currency unit spent.
var DefaultEarnRate = decimal.NewFromInt(4)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store      TxStore
	ids        IDGenerator
	now        func() time.Time
	log        *zap.Logger
	earnRate   decimal.Decimal
	maxRetries int
}

type Option func(*Service)

func WithIDs(ids IDGenerator) Option { return func(s *Service) { s.ids = ids } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithLogger(log *zap.Logger) Option { return func(s *Service) { s.log = log } }
func WithEarnRate(rate decimal.Decimal) Option { return func(s *Service) { s.earnRate = rate } }
func WithMaxRetries(n int) Option { return func(s *Service) { s.maxRetries = n } }

// NewService creates a ledger service over store. Without WithIDs it uses a
// snowflake generator on node 1.
func NewService(store TxStore, opts ...Option) (*Service, error) {
	s := &Service{
		store:      store,
		now:        time.Now,
		log:        zap.NewNop(),
		earnRate:   DefaultEarnRate,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ids == nil {
		ids, err := NewSnowflakeIDs(1)
		if err != nil {
			return nil, fmt.Errorf("failed to create id generator: %w", err)
		}
		s.ids = ids
	}
	return s, nil
}

// Now returns the service clock reading.
func (s *Service) Now() time.Time { return s.now() }

// withTx runs fn in one store transaction, retrying on concurrent
// modification up to maxRetries times.
func (s *Service) withTx(ctx context.Context, op string, fn func(Store) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.log.Warn("retrying after conflict", zap.String("op", op), zap.Int("attempt", attempt))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
			}
		}
		err = s.store.WithTx(ctx, fn)
		if !IsRetryable(err) {
			break
		}
	}
	if err != nil {
		if IsClientError(err) || IsNotFound(err) || IsForbidden(err) || IsConflict(err) {
			s.log.Debug("operation refused", zap.String("op", op), zap.Error(err))
		} else {
			s.log.Error("operation failed", zap.String("op", op), zap.Error(err))
		}
	}
	return err
}

// RequireRole is the single clearance check used by every operation.
func RequireRole(actor Actor, min Role) error {
	if actor.Role.AtLeast(min) {
		return nil
	}
	return &RoleForbiddenError{Utorid: actor.Utorid, Actual: actor.Role, Required: min}
}

// =============================================================================
// PURCHASE
// =============================================================================

type PurchaseInput struct {
	Actor        Actor
	Utorid       string
	Spent        decimal.Decimal
	PromotionIDs []int64
	Remark       string
}

// maxPoints is the largest amount a single row or balance can hold.
var maxPoints = decimal.NewFromInt(math.MaxInt64)

// BaseEarned is floor(spent * earn rate).
func (s *Service) BaseEarned(spent decimal.Decimal) decimal.Decimal {
	return spent.Mul(s.earnRate).Floor()
}

// Purchase records a purchase and credits the earned points to the subject,
// unless the cashier is flagged suspicious.
func (s *Service) Purchase(ctx context.Context, in PurchaseInput) (*Transaction, error) {
	if err := RequireRole(in.Actor, RoleCashier); err != nil {
		return nil, err
	}
	if !in.Spent.IsPositive() {
		return nil, fmt.Errorf("%w: spent must be positive", ErrInvalidAmount)
	}

	now := s.now()
	var out Transaction
	err := s.withTx(ctx, "purchase", func(st Store) error {
		if _, err := st.GetUser(ctx, in.Utorid); err != nil {
			return err
		}

		eval := PromotionEvaluator{Promotions: st, Now: now}
		res, err := eval.Evaluate(ctx, in.Utorid, in.Spent, in.PromotionIDs)
		if err != nil {
			return err
		}

		earned := s.BaseEarned(in.Spent).Add(res.Bonus)
		if earned.GreaterThan(maxPoints) {
			return fmt.Errorf("%w: earned points %s exceed the maximum balance", ErrInvalidAmount, earned)
		}

		spent := in.Spent
		out = Transaction{
			ID:           s.ids.NextID(),
			Type:         TxPurchase,
			Utorid:       in.Utorid,
			Amount:       earned.IntPart(),
			Spent:        &spent,
			PromotionIDs: res.Applied,
			Remark:       in.Remark,
			CreatedBy:    in.Actor.Utorid,
			Suspicious:   in.Actor.Suspicious,
			CreatedAt:    now,
		}
		if err := st.AppendTransactions(ctx, out); err != nil {
			return err
		}
		for _, id := range res.Consumed {
			if err := st.MarkPromotionUsed(ctx, id, in.Utorid); err != nil {
				return err
			}
		}
		if in.Actor.Suspicious || out.Amount == 0 {
			return nil
		}
		_, err = Balances(st).Credit(ctx, in.Utorid, out.Amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("purchase recorded",
		zap.Int64("transaction_id", out.ID),
		zap.String("utorid", out.Utorid),
		zap.Int64("earned", out.Amount),
		zap.Bool("credited", !out.Suspicious),
	)
	return &out, nil
}

// =============================================================================
// ADJUSTMENT
// =============================================================================

type AdjustmentInput struct {
	Actor        Actor
	Utorid       string
	Amount       int64
	RelatedID    int64
	PromotionIDs []int64
	Remark       string
}

// Adjustment applies a signed correction that references an earlier row.
// Debits still may not take the balance below zero.
func (s *Service) Adjustment(ctx context.Context, in AdjustmentInput) (*Transaction, error) {
	if err := RequireRole(in.Actor, RoleManager); err != nil {
		return nil, err
	}
	if in.Amount == 0 {
		return nil, fmt.Errorf("%w: adjustment amount must be non-zero", ErrInvalidAmount)
	}

	now := s.now()
	var out Transaction
	err := s.withTx(ctx, "adjustment", func(st Store) error {
		if _, err := st.GetUser(ctx, in.Utorid); err != nil {
			return err
		}
		if _, err := st.GetTransaction(ctx, in.RelatedID); err != nil {
			if errors.Is(err, ErrTransactionNotFound) {
				return fmt.Errorf("%w: %d", ErrRelatedTransactionNotFound, in.RelatedID)
			}
			return err
		}
		for _, id := range in.PromotionIDs {
			if _, err := st.GetPromotion(ctx, id); err != nil {
				if errors.Is(err, ErrPromotionNotFound) {
					return &InvalidPromotionError{PromotionID: id, Reason: "not_found"}
				}
				return err
			}
		}

		related := in.RelatedID
		out = Transaction{
			ID:           s.ids.NextID(),
			Type:         TxAdjustment,
			Utorid:       in.Utorid,
			Amount:       in.Amount,
			RelatedID:    &related,
			PromotionIDs: dedupeIDs(in.PromotionIDs),
			Remark:       in.Remark,
			CreatedBy:    in.Actor.Utorid,
			CreatedAt:    now,
		}
		if err := st.AppendTransactions(ctx, out); err != nil {
			return err
		}
		_, err := st.AdjustBalance(ctx, in.Utorid, in.Amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("adjustment recorded",
		zap.Int64("transaction_id", out.ID),
		zap.String("utorid", out.Utorid),
		zap.Int64("amount", out.Amount),
		zap.Int64("related_id", in.RelatedID),
	)
	return &out, nil
}

// =============================================================================
// SUSPICIOUS FLAG
// =============================================================================

type SetSuspiciousInput struct {
	Actor         Actor
	TransactionID int64
	Suspicious    bool
}

// SetSuspicious flips the audit flag on a row. Balances are not touched.
func (s *Service) SetSuspicious(ctx context.Context, in SetSuspiciousInput) (*Transaction, error) {
	if err := RequireRole(in.Actor, RoleManager); err != nil {
		return nil, err
	}

	var out *Transaction
	err := s.withTx(ctx, "set_suspicious", func(st Store) error {
		if _, err := st.GetTransaction(ctx, in.TransactionID); err != nil {
			return err
		}
		if err := st.SetTransactionSuspicious(ctx, in.TransactionID, in.Suspicious); err != nil {
			return err
		}
		var err error
		out, err = st.GetTransaction(ctx, in.TransactionID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("suspicious flag set",
		zap.Int64("transaction_id", in.TransactionID),
		zap.Bool("suspicious", in.Suspicious),
		zap.String("by", in.Actor.Utorid),
	)
	return out, nil
}

// =============================================================================
// READS
// =============================================================================

// GetTransaction returns a row to cashiers and above, or to the row's subject.
func (s *Service) GetTransaction(ctx context.Context, actor Actor, id int64) (*Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Utorid != actor.Utorid {
		if err := RequireRole(actor, RoleCashier); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// ListTransactions returns a filtered page. Below manager the filter is
// pinned to the actor's own rows.
func (s *Service) ListTransactions(ctx context.Context, actor Actor, f TransactionFilter) ([]Transaction, int, error) {
	if !actor.Role.AtLeast(RoleManager) {
		f.Utorid = actor.Utorid
	}
	return s.store.ListTransactions(ctx, f)
}

func dedupeIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
