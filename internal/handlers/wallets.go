package handlers

import (
	"context"
	"net/http"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
)

type WalletReader interface {
	FindWallet(ctx context.Context, userID string) (*entities.WalletAccount, error)
}

// GetWallet returns the caller's balance. A user never credited has a zero balance.
func (h *HTTPHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	wallet, err := h.wallets.FindWallet(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if wallet == nil {
		wallet = &entities.WalletAccount{UserID: user}
	}

	writeJSON(w, http.StatusOK, wallet)
}
