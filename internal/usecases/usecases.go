package usecases

import (
	"context"
	"errors"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderExpired         = errors.New("order expired")
	ErrOrderFulfilled       = errors.New("order already fulfilled")
	ErrInvalidOrder         = errors.New("invalid order")
	ErrSubmissionNotFound   = errors.New("submission not found")
	ErrSubmissionInProgress = errors.New("order already has a submission in progress")
	ErrScreenshotRequired   = errors.New("screenshot is required")
	ErrScreenshotNotFound   = errors.New("screenshot not found")
	ErrAlreadyClaimed       = errors.New("submission already claimed")
	ErrClaimLost            = errors.New("submission claim lost")
	ErrReasonRequired       = errors.New("reason is required to reject a submission")
	ErrReviewerRequired     = errors.New("reviewer id is required")
	ErrInvalidDecision      = errors.New("decision must be approve or reject")
	ErrInvalidFilter        = errors.New("invalid submission filter")
)

// Transactor runs fn in a transaction carried by ctx. Nested calls reuse it.
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// StatusNotifier is told about every persisted status change. Implementations
// must not block for long and must tolerate being called after commit failures
// of unrelated work.
type StatusNotifier interface {
	NotifySubmission(ctx context.Context, sub *entities.PaymentSubmission)
}

// SettlementPublisher is the side-effect sink for the wallet and contract domains.
type SettlementPublisher interface {
	PublishSettlement(ctx context.Context, event *entities.SettlementEvent) error
}

// Nudger wakes the verification worker when new work is queued.
type Nudger interface {
	Nudge()
}

type Notifiers []StatusNotifier

func (n Notifiers) NotifySubmission(ctx context.Context, sub *entities.PaymentSubmission) {
	for _, notifier := range n {
		notifier.NotifySubmission(ctx, sub)
	}
}
