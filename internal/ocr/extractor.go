// Package ocr turns an OCR collaborator's free text into a structured payment proof.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
)

// ErrTransient marks collaborator failures worth retrying (timeouts, 5xx, network).
var ErrTransient = errors.New("transient ocr failure")

// Recognition is the raw collaborator output. Confidence is on the collaborator's
// own scale, expected 0..100.
type Recognition struct {
	Text       string
	Confidence float64
}

// Recognizer is the OCR collaborator capability.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (Recognition, error)
}

type Extractor struct {
	logger     *slog.Logger
	recognizer Recognizer
}

func NewExtractor(logger *slog.Logger, recognizer Recognizer) *Extractor {
	return &Extractor{logger: logger, recognizer: recognizer}
}

// Extract runs the collaborator and normalizes its output. Transient failures are
// returned so the caller can retry; any other failure, or empty text, yields the
// degraded proof with confidence 0.
func (e *Extractor) Extract(ctx context.Context, image []byte) (entities.ExtractedProof, error) {
	rec, err := e.recognizer.Recognize(ctx, image)
	if err != nil {
		if IsTransient(err) || ctx.Err() != nil {
			return entities.ExtractedProof{}, fmt.Errorf("ocr recognition failed: %w", err)
		}
		e.logger.WarnContext(ctx, "OCR collaborator failed, continuing with empty proof", "error", err)
		return entities.ExtractedProof{}, nil
	}

	if strings.TrimSpace(rec.Text) == "" {
		e.logger.InfoContext(ctx, "OCR collaborator returned no text")
		return entities.ExtractedProof{}, nil
	}

	return Normalize(rec), nil
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
