package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/usecases"
)

type SubmissionService interface {
	CreateSubmission(ctx context.Context, req usecases.CreateSubmissionRequest) (*entities.PaymentSubmission, error)
	GetSubmission(ctx context.Context, id string) (*entities.PaymentSubmission, error)
	GetUserSubmission(ctx context.Context, id, userID string) (usecases.SubmissionView, error)
	GetOrderSubmissions(ctx context.Context, orderID string) ([]usecases.SubmissionView, error)
}

type createSubmissionBody struct {
	ScreenshotRef string `json:"screenshot_ref"`
}

// CreateSubmission accepts either a multipart upload in the "screenshot" field
// or a JSON body naming an already stored screenshot.
func (h *HTTPHandler) CreateSubmission(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	req := usecases.CreateSubmissionRequest{
		OrderID: mux.Vars(r)["orderId"],
		UserID:  user,
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		data, err := h.readScreenshot(r)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "Screenshot is too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "Invalid screenshot upload", http.StatusBadRequest)
			return
		}
		req.Screenshot = data
	} else {
		var body createSubmissionBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		req.ScreenshotRef = body.ScreenshotRef
	}

	sub, err := h.submissionService.CreateSubmission(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     sub.ID,
		"status": sub.Status,
	})
}

func (h *HTTPHandler) readScreenshot(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("screenshot")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func (h *HTTPHandler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	view, err := h.submissionService.GetUserSubmission(r.Context(), mux.Vars(r)["id"], user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}
