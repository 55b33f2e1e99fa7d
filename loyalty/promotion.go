/*
promotion.go - Promotion evaluation and lifecycle

PURPOSE:
  Decides which promotions apply to a purchase and how many bonus points
  they add. Also owns the promotion lifecycle (create, update, delete)
  because the "immutable once started" rule is a ledger concern.

EVALUATION RULES (per requested id, in order):
  1. Unknown id                      -> InvalidPromotion (not_found)
  2. now < start                     -> InvalidPromotion (not_started)
  3. now >= end                      -> InvalidPromotion (expired)
  4. one-time and already used       -> PromotionAlreadyUsed
  5. spent < minSpending             -> excluded from bonus, not consumed

  Rule 4 is checked before rule 5, so a reused one-time promotion fails
  even when the spend would not have qualified anyway.

  Active automatic promotions whose minimum spend is met apply even when
  the caller did not request them.

BONUS:
  bonus = floor( sum over applied promotions of (spent * rate + points) )

USAGE TRACKING:
  One-time usage is an explicit (promotion, utorid) set in the store,
  written in the same transaction as the purchase row. No ledger scans.

EXAMPLE:
  Promotion: rate=0.02, points=10, minSpending=50
  spent=100 -> bonus = floor(2 + 10) = 12
  spent=40  -> excluded, bonus = 0, purchase still succeeds

SEE ALSO:
  - ledger.go: Purchase calls Evaluate inside its WithTx scope
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// =============================================================================
// EVALUATOR
// =============================================================================

type PromotionEvaluator struct {
	Promotions PromotionStore
	Now        time.Time
}

// Evaluation is the outcome for one purchase.
type Evaluation struct {
	Applied  []int64 // contributed to the bonus, ascending
	Consumed []int64 // one-time promotions to mark used
	Excluded []int64 // requested but below minimum spend
	Bonus    decimal.Decimal // floored
}

func (e *PromotionEvaluator) Evaluate(ctx context.Context, utorid string, spent decimal.Decimal, requested []int64) (*Evaluation, error) {
	res := &Evaluation{}
	bonus := decimal.Zero
	applied := make(map[int64]bool)

	for _, id := range dedupeIDs(requested) {
		p, err := e.Promotions.GetPromotion(ctx, id)
		if err != nil {
			if errors.Is(err, ErrPromotionNotFound) {
				return nil, &InvalidPromotionError{PromotionID: id, Reason: "not_found"}
			}
			return nil, err
		}
		if e.Now.Before(p.StartTime) {
			return nil, &InvalidPromotionError{PromotionID: id, Reason: "not_started"}
		}
		if !e.Now.Before(p.EndTime) {
			return nil, &InvalidPromotionError{PromotionID: id, Reason: "expired"}
		}
		if p.Type == PromotionOneTime {
			used, err := e.Promotions.PromotionUsed(ctx, id, utorid)
			if err != nil {
				return nil, err
			}
			if used {
				return nil, &PromotionUsedError{PromotionID: id, Utorid: utorid}
			}
		}
		if !p.Qualifies(spent) {
			res.Excluded = append(res.Excluded, id)
			continue
		}
		applied[id] = true
		bonus = bonus.Add(p.Bonus(spent))
		if p.Type == PromotionOneTime {
			res.Consumed = append(res.Consumed, id)
		}
	}

	now := e.Now
	autos, _, err := e.Promotions.ListPromotions(ctx, PromotionFilter{Type: PromotionAutomatic, ActiveAt: &now})
	if err != nil {
		return nil, err
	}
	for _, p := range autos {
		if applied[p.ID] || !p.Qualifies(spent) {
			continue
		}
		applied[p.ID] = true
		bonus = bonus.Add(p.Bonus(spent))
	}

	for id := range applied {
		res.Applied = append(res.Applied, id)
	}
	sort.Slice(res.Applied, func(i, j int) bool { return res.Applied[i] < res.Applied[j] })
	res.Bonus = bonus.Floor()
	return res, nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

type CreatePromotionInput struct {
	Actor       Actor
	Name        string
	Description string
	Type        PromotionType
	StartTime   time.Time
	EndTime     time.Time
	MinSpending *decimal.Decimal
	Rate        *decimal.Decimal
	Points      *int64
}

func (s *Service) CreatePromotion(ctx context.Context, in CreatePromotionInput) (*Promotion, error) {
	if err := RequireRole(in.Actor, RoleManager); err != nil {
		return nil, err
	}
	now := s.now()
	p := &Promotion{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Type:        in.Type,
		StartTime:   in.StartTime,
		EndTime:     in.EndTime,
		MinSpending: in.MinSpending,
		Rate:        in.Rate,
		Points:      in.Points,
		CreatedAt:   now,
	}
	if err := validatePromotion(p, now); err != nil {
		return nil, err
	}

	err := s.withTx(ctx, "create_promotion", func(st Store) error {
		p.ID = s.ids.NextID()
		return st.CreatePromotion(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("promotion created", zap.Int64("promotion_id", p.ID), zap.String("type", string(p.Type)))
	return p, nil
}

type UpdatePromotionInput struct {
	Actor       Actor
	PromotionID int64
	Name        *string
	Description *string
	Type        *PromotionType
	StartTime   *time.Time
	EndTime     *time.Time
	MinSpending *decimal.Decimal
	Rate        *decimal.Decimal
	Points      *int64
}

// UpdatePromotion changes a promotion that has not started yet.
func (s *Service) UpdatePromotion(ctx context.Context, in UpdatePromotionInput) (*Promotion, error) {
	if err := RequireRole(in.Actor, RoleManager); err != nil {
		return nil, err
	}
	now := s.now()
	var out *Promotion
	err := s.withTx(ctx, "update_promotion", func(st Store) error {
		p, err := st.GetPromotion(ctx, in.PromotionID)
		if err != nil {
			return err
		}
		if p.Started(now) {
			return fmt.Errorf("%w: promotion %d", ErrPromotionStarted, p.ID)
		}
		if in.Name != nil {
			p.Name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			p.Description = *in.Description
		}
		if in.Type != nil {
			p.Type = *in.Type
		}
		if in.StartTime != nil {
			p.StartTime = *in.StartTime
		}
		if in.EndTime != nil {
			p.EndTime = *in.EndTime
		}
		if in.MinSpending != nil {
			p.MinSpending = in.MinSpending
		}
		if in.Rate != nil {
			p.Rate = in.Rate
		}
		if in.Points != nil {
			p.Points = in.Points
		}
		if err := validatePromotion(p, now); err != nil {
			return err
		}
		out = p
		return st.UpdatePromotion(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePromotion removes a promotion that has not started yet.
func (s *Service) DeletePromotion(ctx context.Context, actor Actor, id int64) error {
	if err := RequireRole(actor, RoleManager); err != nil {
		return err
	}
	now := s.now()
	return s.withTx(ctx, "delete_promotion", func(st Store) error {
		p, err := st.GetPromotion(ctx, id)
		if err != nil {
			return err
		}
		if p.Started(now) {
			return fmt.Errorf("%w: promotion %d", ErrPromotionStarted, id)
		}
		return st.DeletePromotion(ctx, id)
	})
}

// GetPromotion hides inactive promotions from users below manager.
func (s *Service) GetPromotion(ctx context.Context, actor Actor, id int64) (*Promotion, error) {
	p, err := s.store.GetPromotion(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(RoleManager) && !p.ActiveAt(s.now()) {
		return nil, ErrPromotionNotFound
	}
	return p, nil
}

// ListPromotions returns everything to managers. Other users see only
// active promotions they can still use.
func (s *Service) ListPromotions(ctx context.Context, actor Actor, f PromotionFilter) ([]Promotion, int, error) {
	if actor.Role.AtLeast(RoleManager) {
		return s.store.ListPromotions(ctx, f)
	}

	now := s.now()
	limit, offset := f.Limit, f.Offset
	f.ActiveAt, f.Limit, f.Offset = &now, 0, 0
	all, _, err := s.store.ListPromotions(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	usable := all[:0]
	for _, p := range all {
		if p.Type == PromotionOneTime {
			used, err := s.store.PromotionUsed(ctx, p.ID, actor.Utorid)
			if err != nil {
				return nil, 0, err
			}
			if used {
				continue
			}
		}
		usable = append(usable, p)
	}
	from, to := Page(len(usable), limit, offset)
	return usable[from:to], len(usable), nil
}

func validatePromotion(p *Promotion, now time.Time) error {
	if p.Name == "" {
		return fmt.Errorf("%w: promotion name is required", ErrInvalidInput)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: promotion type %q", ErrInvalidInput, p.Type)
	}
	if !p.EndTime.After(p.StartTime) {
		return ErrInvalidPeriod
	}
	if p.StartTime.Before(now) {
		return fmt.Errorf("%w: start time is in the past", ErrInvalidPeriod)
	}
	if p.MinSpending != nil && p.MinSpending.IsNegative() {
		return fmt.Errorf("%w: minSpending must not be negative", ErrInvalidAmount)
	}
	if p.Rate != nil && p.Rate.IsNegative() {
		return fmt.Errorf("%w: rate must not be negative", ErrInvalidAmount)
	}
	if p.Points != nil && *p.Points < 0 {
		return fmt.Errorf("%w: points must not be negative", ErrInvalidAmount)
	}
	return nil
}
