package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/usecases"
)

const (
	defaultFeedLimit = 50
	maxFeedLimit     = 500
)

type ReviewService interface {
	Resolve(ctx context.Context, req usecases.ResolveRequest) (*entities.PaymentSubmission, error)
	ReviewFeed(ctx context.Context, filter entities.SubmissionFilter) ([]entities.PaymentSubmission, error)
	AuditTrail(ctx context.Context, submissionID string) ([]entities.AuditRecord, error)
}

type resolveBody struct {
	Reason string `json:"reason"`
	Notes  string `json:"notes"`
}

type submissionDetail struct {
	Submission *entities.PaymentSubmission `json:"submission"`
	AuditTrail []entities.AuditRecord      `json:"audit_trail"`
}

// ListSubmissions is the review feed, oldest first, with full fraud details.
func (h *HTTPHandler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := entities.SubmissionFilter{
		Status:  entities.SubmissionStatus(query.Get("status")),
		UserID:  query.Get("user_id"),
		OrderID: query.Get("order_id"),
		Limit:   defaultFeedLimit,
	}

	if v := query.Get("limit"); v != "" {
		limit, err := strconv.ParseUint(v, 10, 64)
		if err != nil || limit == 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = min(limit, maxFeedLimit)
	}
	if v := query.Get("offset"); v != "" {
		offset, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid offset", http.StatusBadRequest)
			return
		}
		filter.Offset = offset
	}

	subs, err := h.reviewService.ReviewFeed(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if subs == nil {
		subs = []entities.PaymentSubmission{}
	}

	writeJSON(w, http.StatusOK, subs)
}

func (h *HTTPHandler) GetSubmissionDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sub, err := h.submissionService.GetSubmission(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	trail, err := h.reviewService.AuditTrail(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if trail == nil {
		trail = []entities.AuditRecord{}
	}

	writeJSON(w, http.StatusOK, submissionDetail{Submission: sub, AuditTrail: trail})
}

func (h *HTTPHandler) ResolveSubmission(decision usecases.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body resolveBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		sub, err := h.reviewService.Resolve(r.Context(), usecases.ResolveRequest{
			SubmissionID: mux.Vars(r)["id"],
			ReviewerID:   r.Header.Get(headerUserID),
			Decision:     decision,
			Reason:       body.Reason,
			Notes:        body.Notes,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, sub)
	}
}
