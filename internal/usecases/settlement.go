package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
)

type SettlementRepository interface {
	// MarkOrderFulfilled flips the order's fulfilled flag. It returns false if
	// the order was already fulfilled.
	MarkOrderFulfilled(ctx context.Context, orderID, submissionID string, at time.Time) (bool, error)
	CreditWallet(ctx context.Context, orderID, userID string, amount int64, at time.Time) error
	RecordPlatformFee(ctx context.Context, bidID, orderID, userID string, amount int64, at time.Time) error
}

// Settlement applies the money side effect of an approved order, at most once
// per order id.
type Settlement struct {
	logger     *slog.Logger
	repo       SettlementRepository
	transactor Transactor
	now        func() time.Time
}

func NewSettlement(logger *slog.Logger, repo SettlementRepository, transactor Transactor) *Settlement {
	return &Settlement{
		logger:     logger,
		repo:       repo,
		transactor: transactor,
		now:        time.Now,
	}
}

// Apply returns the settlement event to publish once the surrounding
// transaction commits, or nil when the order had already been fulfilled.
func (s *Settlement) Apply(ctx context.Context, order *entities.PaymentOrder, submissionID string) (*entities.SettlementEvent, error) {
	if order.Purpose == entities.PurposePlatformFee && order.LinkedBidID == nil {
		return nil, fmt.Errorf("%w: platform fee order %s has no linked bid", ErrInvalidOrder, order.ID)
	}

	now := s.now().UTC()
	var event *entities.SettlementEvent

	err := s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		marked, err := s.repo.MarkOrderFulfilled(ctx, order.ID, submissionID, now)
		if err != nil {
			return fmt.Errorf("failed to mark order fulfilled: %w", err)
		}
		if !marked {
			return nil
		}

		event = &entities.SettlementEvent{
			EventID:      uuid.NewString(),
			OrderID:      order.ID,
			SubmissionID: submissionID,
			UserID:       order.UserID,
			Amount:       order.Amount,
			LinkedBidID:  order.LinkedBidID,
			SettledAt:    now,
		}

		switch order.Purpose {
		case entities.PurposeTopUp:
			event.Kind = entities.SettlementWalletCredit
			if err = s.repo.CreditWallet(ctx, order.ID, order.UserID, order.Amount, now); err != nil {
				return fmt.Errorf("failed to credit wallet: %w", err)
			}
		case entities.PurposePlatformFee:
			event.Kind = entities.SettlementPlatformFeePaid
			if err = s.repo.RecordPlatformFee(ctx, *order.LinkedBidID, order.ID, order.UserID, order.Amount, now); err != nil {
				return fmt.Errorf("failed to record platform fee: %w", err)
			}
		default:
			return fmt.Errorf("%w: unknown purpose %q", ErrInvalidOrder, order.Purpose)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if event == nil {
		s.logger.InfoContext(ctx, "Order already fulfilled, settlement skipped",
			"order_id", order.ID, "submission_id", submissionID)
		return nil, nil
	}

	s.logger.InfoContext(ctx, "Order settlement applied",
		"order_id", order.ID, "submission_id", submissionID, "kind", event.Kind, "amount", event.Amount)
	return event, nil
}
