package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/pkg/database"
)

// WalletsRepository owns the ledger side of settlement: order fulfilment,
// wallet credits and platform fee payments.
type WalletsRepository struct {
	logger     *slog.Logger
	db         tx.DBGetter
	transactor *tx.Transactor

	orders *OrdersRepository
}

func NewWalletsRepository(logger *slog.Logger, pg *database.Postgres, orders *OrdersRepository) *WalletsRepository {
	return &WalletsRepository{
		logger:     logger,
		db:         pg.DBGetter,
		transactor: pg.Transactor,
		orders:     orders,
	}
}

func (r *WalletsRepository) MarkOrderFulfilled(ctx context.Context, orderID, submissionID string, at time.Time) (bool, error) {
	return r.orders.MarkOrderFulfilled(ctx, orderID, submissionID, at)
}

// CreditWallet records the credit keyed by order id and bumps the balance. A
// second credit for the same order violates the primary key and fails.
func (r *WalletsRepository) CreditWallet(ctx context.Context, orderID, userID string, amount int64, at time.Time) error {
	return r.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		_, err := r.db(ctx).Exec(ctx,
			"INSERT INTO wallet_credits (order_id, user_id, amount, created_at) VALUES ($1, $2, $3, $4)",
			orderID, userID, amount, at)
		if err != nil {
			return fmt.Errorf("failed to insert wallet credit: %w", err)
		}

		_, err = r.db(ctx).Exec(ctx,
			`INSERT INTO wallet_accounts (user_id, balance, created_at, updated_at)
             VALUES ($1, $2, $3, $3)
             ON CONFLICT (user_id) DO UPDATE
                SET balance = wallet_accounts.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
			userID, amount, at)
		if err != nil {
			return fmt.Errorf("failed to update wallet balance: %w", err)
		}

		r.logger.InfoContext(ctx, "Wallet credited", "user_id", userID, "order_id", orderID, "amount", amount)
		return nil
	})
}

func (r *WalletsRepository) RecordPlatformFee(ctx context.Context, bidID, orderID, userID string, amount int64, at time.Time) error {
	_, err := r.db(ctx).Exec(ctx,
		"INSERT INTO platform_fee_payments (bid_id, order_id, user_id, amount, paid_at) VALUES ($1, $2, $3, $4, $5)",
		bidID, orderID, userID, amount, at)
	if err != nil {
		return fmt.Errorf("failed to record platform fee payment: %w", err)
	}

	r.logger.InfoContext(ctx, "Platform fee recorded", "bid_id", bidID, "order_id", orderID)
	return nil
}

// FindWallet returns the user's wallet, or nil if nothing was ever credited.
func (r *WalletsRepository) FindWallet(ctx context.Context, userID string) (*entities.WalletAccount, error) {
	query := `SELECT user_id, balance, created_at, updated_at
              FROM wallet_accounts
              WHERE user_id = $1`

	var wallet entities.WalletAccount
	err := r.db(ctx).QueryRow(ctx, query, userID).Scan(
		&wallet.UserID,
		&wallet.Balance,
		&wallet.CreatedAt,
		&wallet.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query wallet by user id: %w", err)
	}

	return &wallet, nil
}

// AccountCreatedAt returns when the user's marketplace account was created, or
// nil if the account is unknown to this service.
func (r *WalletsRepository) AccountCreatedAt(ctx context.Context, userID string) (*time.Time, error) {
	var createdAt time.Time
	err := r.db(ctx).QueryRow(ctx, "SELECT created_at FROM user_accounts WHERE user_id = $1", userID).Scan(&createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account age: %w", err)
	}

	return &createdAt, nil
}
