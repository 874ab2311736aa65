package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/usecases"
)

type OrderService interface {
	CreateOrder(ctx context.Context, req usecases.CreateOrderRequest) (*usecases.PayTo, error)
	GetUserOrder(ctx context.Context, id, userID string) (*entities.PaymentOrder, error)
	GetUserOrders(ctx context.Context, userID string) ([]entities.PaymentOrder, error)
}

type createOrderBody struct {
	Amount      string                `json:"amount"`
	Purpose     entities.OrderPurpose `json:"purpose"`
	LinkedBidID *string               `json:"linked_bid_id"`
}

type orderResponse struct {
	Order       *entities.PaymentOrder    `json:"order"`
	Submissions []usecases.SubmissionView `json:"submissions"`
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	var body createOrderBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	payTo, err := h.orderService.CreateOrder(r.Context(), usecases.CreateOrderRequest{
		UserID:      user,
		Amount:      strings.TrimSpace(body.Amount),
		Purpose:     body.Purpose,
		LinkedBidID: body.LinkedBidID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("[Create Order] Payment order created", "order_id", payTo.Order.ID, "user_id", user, "purpose", payTo.Order.Purpose)
	writeJSON(w, http.StatusCreated, payTo)
}

func (h *HTTPHandler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	orders, err := h.orderService.GetUserOrders(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []entities.PaymentOrder{}
	}

	writeJSON(w, http.StatusOK, orders)
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	order, err := h.orderService.GetUserOrder(r.Context(), mux.Vars(r)["orderId"], user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	submissions, err := h.submissionService.GetOrderSubmissions(r.Context(), order.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, orderResponse{Order: order, Submissions: submissions})
}
