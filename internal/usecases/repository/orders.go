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

const orderColumns = `id, user_id, amount, purpose, linked_bid_id, receiving_account_name, receiving_account_number,
       fulfilled, fulfilled_by, fulfilled_at, created_at, expires_at`

type OrdersRepository struct {
	logger *slog.Logger

	db         tx.DBGetter
	transactor *tx.Transactor
}

func NewOrdersRepository(logger *slog.Logger, pg *database.Postgres) *OrdersRepository {
	return &OrdersRepository{logger: logger, db: pg.DBGetter, transactor: pg.Transactor}
}

func (r *OrdersRepository) InsertOrder(ctx context.Context, order *entities.PaymentOrder) error {
	query := `INSERT INTO payment_orders (id, user_id, amount, purpose, linked_bid_id, receiving_account_name,
                                   receiving_account_number, created_at, expires_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db(ctx).Exec(ctx, query,
		order.ID, order.UserID, order.Amount, string(order.Purpose), order.LinkedBidID,
		order.ReceivingAccountName, order.ReceivingAccountNumber, order.CreatedAt, order.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert payment order: %w", err)
	}

	return nil
}

func (r *OrdersRepository) FindOrderByID(ctx context.Context, id string) (*entities.PaymentOrder, error) {
	rows, err := r.db(ctx).Query(ctx, `SELECT `+orderColumns+` FROM payment_orders WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment order: %w", err)
	}

	order, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[entities.PaymentOrder])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to collect payment order: %w", err)
	}

	return order, nil
}

func (r *OrdersRepository) FindUserOrders(ctx context.Context, userID string) ([]entities.PaymentOrder, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+orderColumns+` FROM payment_orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	orders, err := pgx.CollectRows(rows, pgx.RowToStructByName[entities.PaymentOrder])
	if err != nil {
		r.logger.Error("failed to collect payment order rows", "error", err)
		return nil, err
	}

	return orders, nil
}

// MarkOrderFulfilled is the settlement guard: only the first caller flips the flag.
func (r *OrdersRepository) MarkOrderFulfilled(ctx context.Context, orderID, submissionID string, at time.Time) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payment_orders
            SET fulfilled = TRUE, fulfilled_by = $2, fulfilled_at = $3
          WHERE id = $1 AND NOT fulfilled`,
		orderID, submissionID, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark order fulfilled: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}
