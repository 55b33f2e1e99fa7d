/*
workflow.go - Transfers and the redemption state machine

TRANSFER:
  Atomic create-or-fail. One WithTx scope debits the sender, credits the
  recipient and writes two rows that point at each other:

    sender row:    type=transfer, utorid=sender,    amount=-n, related=recipient row
    recipient row: type=transfer, utorid=recipient, amount=+n, related=sender row

REDEMPTION:
  requested -> processed   (terminal; debits the balance)
  requested -> cancelled   (terminal; no balance effect)

  The request is checked against the balance at request time but does not
  touch it. Processing debits; a second processing fails with
  ErrAlreadyProcessed.
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// =============================================================================
// TRANSFER
// =============================================================================

type TransferInput struct {
	Actor     Actor
	Recipient string
	Amount    int64
	Remark    string
}

type TransferResult struct {
	Sent     Transaction
	Received Transaction
}

// Transfer moves points from the actor to the recipient. The sender must be
// verified.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (*TransferResult, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: transfer must be positive", ErrInvalidAmount)
	}
	if in.Recipient == in.Actor.Utorid {
		return nil, ErrSelfTransfer
	}

	now := s.now()
	var out TransferResult
	err := s.withTx(ctx, "transfer", func(st Store) error {
		sender, err := st.GetUser(ctx, in.Actor.Utorid)
		if err != nil {
			return err
		}
		if !sender.Verified {
			return fmt.Errorf("%w: %s", ErrUnverified, sender.Utorid)
		}
		if _, err := st.GetUser(ctx, in.Recipient); err != nil {
			return err
		}

		sentID, receivedID := s.ids.NextID(), s.ids.NextID()
		out = TransferResult{
			Sent: Transaction{
				ID:        sentID,
				Type:      TxTransfer,
				Utorid:    sender.Utorid,
				Amount:    -in.Amount,
				RelatedID: &receivedID,
				Remark:    in.Remark,
				CreatedBy: sender.Utorid,
				CreatedAt: now,
			},
			Received: Transaction{
				ID:        receivedID,
				Type:      TxTransfer,
				Utorid:    in.Recipient,
				Amount:    in.Amount,
				RelatedID: &sentID,
				Remark:    in.Remark,
				CreatedBy: sender.Utorid,
				CreatedAt: now,
			},
		}

		balances := Balances(st)
		if _, err := balances.Debit(ctx, sender.Utorid, in.Amount); err != nil {
			return err
		}
		if _, err := balances.Credit(ctx, in.Recipient, in.Amount); err != nil {
			return err
		}
		return st.AppendTransactions(ctx, out.Sent, out.Received)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("transfer recorded",
		zap.String("from", in.Actor.Utorid),
		zap.String("to", in.Recipient),
		zap.Int64("amount", in.Amount),
		zap.Int64("transaction_id", out.Sent.ID),
	)
	return &out, nil
}

// =============================================================================
// REDEMPTION
// =============================================================================

type RedemptionInput struct {
	Actor  Actor
	Amount int64
	Remark string
}

// RequestRedemption records a pending redemption for the actor. The balance
// is checked now but only debited when a cashier processes the request.
func (s *Service) RequestRedemption(ctx context.Context, in RedemptionInput) (*Transaction, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: redemption must be positive", ErrInvalidAmount)
	}

	now := s.now()
	var out Transaction
	err := s.withTx(ctx, "request_redemption", func(st Store) error {
		balance, err := Balances(st).BalanceOf(ctx, in.Actor.Utorid)
		if err != nil {
			return err
		}
		if in.Amount > balance {
			return &InsufficientPointsError{Utorid: in.Actor.Utorid, Available: balance, Requested: in.Amount}
		}
		out = Transaction{
			ID:        s.ids.NextID(),
			Type:      TxRedemption,
			Utorid:    in.Actor.Utorid,
			Amount:    -in.Amount,
			Remark:    in.Remark,
			CreatedBy: in.Actor.Utorid,
			Status:    RedemptionRequested,
			CreatedAt: now,
		}
		return st.AppendTransactions(ctx, out)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("redemption requested", zap.Int64("transaction_id", out.ID), zap.String("utorid", out.Utorid))
	return &out, nil
}

type ProcessInput struct {
	Actor         Actor
	TransactionID int64
}

// ProcessRedemption marks a redemption processed and debits the subject.
func (s *Service) ProcessRedemption(ctx context.Context, in ProcessInput) (*Transaction, error) {
	if err := RequireRole(in.Actor, RoleCashier); err != nil {
		return nil, err
	}

	var out *Transaction
	err := s.withTx(ctx, "process_redemption", func(st Store) error {
		tx, err := loadRedemption(ctx, st, in.TransactionID)
		if err != nil {
			return err
		}
		requested := -tx.Amount
		if _, err := Balances(st).Debit(ctx, tx.Utorid, requested); err != nil {
			var short *InsufficientFundsError
			if errors.As(err, &short) {
				return &InsufficientPointsError{Utorid: tx.Utorid, Available: short.Available, Requested: requested}
			}
			return err
		}
		if err := st.TransitionRedemption(ctx, tx.ID, RedemptionProcessed, in.Actor.Utorid); err != nil {
			return err
		}
		out, err = st.GetTransaction(ctx, tx.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("redemption processed",
		zap.Int64("transaction_id", out.ID),
		zap.String("utorid", out.Utorid),
		zap.String("processed_by", in.Actor.Utorid),
	)
	return out, nil
}

// CancelRedemption withdraws a request that has not been processed. Only
// the requester or a manager may cancel.
func (s *Service) CancelRedemption(ctx context.Context, in ProcessInput) (*Transaction, error) {
	var out *Transaction
	err := s.withTx(ctx, "cancel_redemption", func(st Store) error {
		tx, err := loadRedemption(ctx, st, in.TransactionID)
		if err != nil {
			return err
		}
		if tx.Utorid != in.Actor.Utorid {
			if err := RequireRole(in.Actor, RoleManager); err != nil {
				return err
			}
		}
		if err := st.TransitionRedemption(ctx, tx.ID, RedemptionCancelled, in.Actor.Utorid); err != nil {
			return err
		}
		out, err = st.GetTransaction(ctx, tx.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// loadRedemption returns a redemption still in the requested state.
func loadRedemption(ctx context.Context, st Store, id int64) (*Transaction, error) {
	tx, err := st.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Type != TxRedemption {
		return nil, fmt.Errorf("%w: transaction %d is %s", ErrNotRedemption, id, tx.Type)
	}
	switch tx.Status {
	case RedemptionProcessed:
		return nil, fmt.Errorf("%w: transaction %d", ErrAlreadyProcessed, id)
	case RedemptionCancelled:
		return nil, fmt.Errorf("%w: transaction %d", ErrRedemptionCancelled, id)
	}
	return tx, nil
}
