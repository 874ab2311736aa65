package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/usecases"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
	roleAdmin      = "admin"
)

var (
	_ OrderService      = (*usecases.OrderService)(nil)
	_ SubmissionService = (*usecases.SubmissionService)(nil)
	_ ReviewService     = (*usecases.Adjudicator)(nil)
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPHandler struct {
	logger            *slog.Logger
	orderService      OrderService
	submissionService SubmissionService
	reviewService     ReviewService
	wallets           WalletReader
	db                Pinger
	maxUploadBytes    int64
}

func NewHTTPHandler(
	logger *slog.Logger,
	orderService OrderService,
	submissionService SubmissionService,
	reviewService ReviewService,
	wallets WalletReader,
	db Pinger,
	maxUploadBytes int64,
) *HTTPHandler {
	return &HTTPHandler{
		logger:            logger,
		orderService:      orderService,
		submissionService: submissionService,
		reviewService:     reviewService,
		wallets:           wallets,
		db:                db,
		maxUploadBytes:    maxUploadBytes,
	}
}

func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.Health).Methods("GET")

	// Orders
	router.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	router.HandleFunc("/orders", h.GetUserOrders).Methods("GET")
	router.HandleFunc("/orders/{orderId}", h.GetOrder).Methods("GET")
	router.HandleFunc("/orders/{orderId}/submissions", h.CreateSubmission).Methods("POST")

	// Submissions
	router.HandleFunc("/submissions/{id}", h.GetSubmission).Methods("GET")

	// Wallet
	router.HandleFunc("/wallet", h.GetWallet).Methods("GET")

	// Review
	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(requireAdmin)
	admin.HandleFunc("/submissions", h.ListSubmissions).Methods("GET")
	admin.HandleFunc("/submissions/{id}", h.GetSubmissionDetail).Methods("GET")
	admin.HandleFunc("/submissions/{id}/approve", h.ResolveSubmission(usecases.DecisionApprove)).Methods("POST")
	admin.HandleFunc("/submissions/{id}/reject", h.ResolveSubmission(usecases.DecisionReject)).Methods("POST")
}

func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Error("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAdmin trusts the role header set by the gateway.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerUserID) == "" {
			http.Error(w, "Missing user identity", http.StatusUnauthorized)
			return
		}
		if r.Header.Get(headerUserRole) != roleAdmin {
			http.Error(w, "Admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// userID returns the caller identity or writes a 401.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(headerUserID)
	if id == "" {
		http.Error(w, "Missing user identity", http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps domain errors onto HTTP statuses.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case usecases.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, usecases.ErrOrderExpired):
		status = http.StatusGone
	case errors.Is(err, usecases.ErrOrderFulfilled),
		errors.Is(err, usecases.ErrSubmissionInProgress),
		errors.Is(err, entities.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, usecases.ErrInvalidOrder),
		errors.Is(err, usecases.ErrScreenshotRequired),
		errors.Is(err, usecases.ErrScreenshotNotFound),
		errors.Is(err, usecases.ErrReasonRequired),
		errors.Is(err, usecases.ErrReviewerRequired),
		errors.Is(err, usecases.ErrInvalidDecision),
		errors.Is(err, usecases.ErrInvalidFilter):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "Internal server error", status)
		return
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}
