package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/money"
)

type OrdersRepository interface {
	InsertOrder(ctx context.Context, order *entities.PaymentOrder) error
	FindOrderByID(ctx context.Context, id string) (*entities.PaymentOrder, error)
	FindUserOrders(ctx context.Context, userID string) ([]entities.PaymentOrder, error)
}

// ReceivingAccount is the platform's mobile-wallet account users pay into.
type ReceivingAccount struct {
	Name   string
	Number string
}

type CreateOrderRequest struct {
	UserID      string
	Amount      string
	Purpose     entities.OrderPurpose
	LinkedBidID *string
}

// PayTo is what the payment UI shows the user: where and how much to send.
type PayTo struct {
	Order         *entities.PaymentOrder `json:"order"`
	AccountName   string                 `json:"account_name"`
	AccountNumber string                 `json:"account_number"`
	Amount        string                 `json:"amount"`
	QRPayload     string                 `json:"qr_payload"`
}

type OrderService struct {
	logger  *slog.Logger
	repo    OrdersRepository
	account ReceivingAccount
	ttl     time.Duration
	now     func() time.Time
}

func NewOrderService(logger *slog.Logger, repo OrdersRepository, account ReceivingAccount, ttl time.Duration) *OrderService {
	return &OrderService{
		logger:  logger,
		repo:    repo,
		account: account,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (os *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*PayTo, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidOrder)
	}
	if !req.Purpose.Valid() {
		return nil, fmt.Errorf("%w: unknown purpose %q", ErrInvalidOrder, req.Purpose)
	}

	amount, err := money.ParseMinor(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}

	var bidID *string
	if req.LinkedBidID != nil && strings.TrimSpace(*req.LinkedBidID) != "" {
		id := strings.TrimSpace(*req.LinkedBidID)
		bidID = &id
	}
	switch {
	case req.Purpose == entities.PurposePlatformFee && bidID == nil:
		return nil, fmt.Errorf("%w: platform fee orders need a linked bid", ErrInvalidOrder)
	case req.Purpose == entities.PurposeTopUp && bidID != nil:
		return nil, fmt.Errorf("%w: top-up orders cannot link a bid", ErrInvalidOrder)
	}

	now := os.now().UTC()
	order := &entities.PaymentOrder{
		ID:                     uuid.NewString(),
		UserID:                 req.UserID,
		Amount:                 amount,
		Purpose:                req.Purpose,
		LinkedBidID:            bidID,
		ReceivingAccountName:   os.account.Name,
		ReceivingAccountNumber: os.account.Number,
		CreatedAt:              now,
		ExpiresAt:              now.Add(os.ttl),
	}

	if err = os.repo.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	os.logger.InfoContext(ctx, "Payment order created",
		"order_id", order.ID, "user_id", order.UserID, "purpose", order.Purpose, "amount", order.Amount)

	return os.payTo(order), nil
}

func (os *OrderService) GetOrder(ctx context.Context, id string) (*entities.PaymentOrder, error) {
	order, err := os.repo.FindOrderByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// GetUserOrder returns the order only when it belongs to userID.
func (os *OrderService) GetUserOrder(ctx context.Context, id, userID string) (*entities.PaymentOrder, error) {
	order, err := os.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (os *OrderService) GetUserOrders(ctx context.Context, userID string) ([]entities.PaymentOrder, error) {
	return os.repo.FindUserOrders(ctx, userID)
}

func (os *OrderService) payTo(order *entities.PaymentOrder) *PayTo {
	amount := money.FormatMinor(order.Amount)

	q := url.Values{}
	q.Set("account_name", order.ReceivingAccountName)
	q.Set("account_number", order.ReceivingAccountNumber)
	q.Set("amount", amount)
	q.Set("ref", order.ID)

	return &PayTo{
		Order:         order,
		AccountName:   order.ReceivingAccountName,
		AccountNumber: order.ReceivingAccountNumber,
		Amount:        amount,
		QRPayload:     "haulmark://pay?" + q.Encode(),
	}
}
