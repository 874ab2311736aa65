package usecases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/money"
)

type SubmissionsRepository interface {
	// InsertSubmission returns false when the order already has an active or
	// approved submission.
	InsertSubmission(ctx context.Context, sub *entities.PaymentSubmission) (bool, error)
	FindSubmissionByID(ctx context.Context, id string) (*entities.PaymentSubmission, error)
	FindOrderSubmissions(ctx context.Context, orderID string) ([]entities.PaymentSubmission, error)
	ListSubmissions(ctx context.Context, filter entities.SubmissionFilter) ([]entities.PaymentSubmission, error)
	ListReadySubmissions(ctx context.Context, now time.Time, limit uint64) ([]string, error)

	// ClaimSubmission moves a pending submission to processing and counts the attempt.
	ClaimSubmission(ctx context.Context, id string, now time.Time) (bool, error)
	RecordFingerprint(ctx context.Context, id string, fp entities.ImageFingerprint) error
	// UpdateSubmissionState persists sub's status and outcome fields only if the
	// stored status is still from.
	UpdateSubmissionState(ctx context.Context, sub *entities.PaymentSubmission, from entities.SubmissionStatus) (bool, error)
	ReleaseStaleClaims(ctx context.Context, claimedBefore, now time.Time) ([]string, error)
}

type AuditRepository interface {
	AppendAudit(ctx context.Context, record *entities.AuditRecord) error
	FindAuditTrail(ctx context.Context, submissionID string) ([]entities.AuditRecord, error)
}

type ScreenshotStore interface {
	Save(ctx context.Context, data []byte) (string, error)
	Load(ctx context.Context, ref string) ([]byte, error)
	Exists(ctx context.Context, ref string) (bool, error)
}

type CreateSubmissionRequest struct {
	OrderID       string
	UserID        string
	Screenshot    []byte
	ScreenshotRef string
}

// SubmissionView is what the paying user may see about a submission. Rule
// names are exposed only once a submission is rejected, and weights never.
type SubmissionView struct {
	ID        string                    `json:"id"`
	OrderID   string                    `json:"order_id"`
	Status    entities.SubmissionStatus `json:"status"`
	Message   string                    `json:"message"`
	Reasons   []string                  `json:"reasons,omitempty"`
	Flags     []string                  `json:"flags,omitempty"`
	Extracted *ExtractedSummary         `json:"extracted,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

type ExtractedSummary struct {
	Amount          string `json:"amount,omitempty"`
	ReferenceNumber string `json:"reference_number,omitempty"`
	ReceiverName    string `json:"receiver_name,omitempty"`
	TransactionTime string `json:"transaction_time,omitempty"`
}

var statusMessages = map[entities.SubmissionStatus]string{
	entities.StatusPending:      "We received your payment proof and will verify it shortly.",
	entities.StatusProcessing:   "We are verifying your payment proof.",
	entities.StatusManualReview: "Your payment is under review. We will notify you once it is confirmed.",
	entities.StatusApproved:     "Your payment has been verified.",
	entities.StatusRejected:     "We could not verify your payment.",
}

func UserView(sub *entities.PaymentSubmission) SubmissionView {
	view := SubmissionView{
		ID:        sub.ID,
		OrderID:   sub.OrderID,
		Status:    sub.Status,
		Message:   statusMessages[sub.Status],
		CreatedAt: sub.CreatedAt,
		UpdatedAt: sub.UpdatedAt,
	}

	if sub.Status == entities.StatusRejected {
		view.Reasons = sub.ValidationErrors
		for _, f := range sub.FraudFlags {
			view.Flags = append(view.Flags, f.Rule)
		}
	}

	if p := sub.ExtractedProof; p != nil {
		summary := &ExtractedSummary{}
		if p.Amount != nil {
			summary.Amount = money.FormatMinor(*p.Amount)
		}
		if p.ReferenceNumber != nil {
			summary.ReferenceNumber = *p.ReferenceNumber
		}
		if p.ReceiverName != nil {
			summary.ReceiverName = *p.ReceiverName
		}
		if p.TransactionTimeText != nil {
			summary.TransactionTime = *p.TransactionTimeText
		}
		view.Extracted = summary
	}

	return view
}

type SubmissionService struct {
	logger      *slog.Logger
	orders      OrdersRepository
	submissions SubmissionsRepository
	audit       AuditRepository
	screenshots ScreenshotStore
	velocity    VelocityTracker
	transactor  Transactor
	notifier    StatusNotifier
	nudger      Nudger
	now         func() time.Time
}

func NewSubmissionService(
	logger *slog.Logger,
	orders OrdersRepository,
	submissions SubmissionsRepository,
	audit AuditRepository,
	screenshots ScreenshotStore,
	velocity VelocityTracker,
	transactor Transactor,
	notifier StatusNotifier,
) *SubmissionService {
	return &SubmissionService{
		logger:      logger,
		orders:      orders,
		submissions: submissions,
		audit:       audit,
		screenshots: screenshots,
		velocity:    velocity,
		transactor:  transactor,
		notifier:    notifier,
		now:         time.Now,
	}
}

// SetNudger registers the worker woken up after each new submission.
func (ss *SubmissionService) SetNudger(n Nudger) {
	ss.nudger = n
}

func (ss *SubmissionService) CreateSubmission(ctx context.Context, req CreateSubmissionRequest) (*entities.PaymentSubmission, error) {
	order, err := ss.orders.FindOrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	if order == nil || order.UserID != req.UserID {
		return nil, ErrOrderNotFound
	}

	now := ss.now().UTC()
	if order.IsExpired(now) {
		return nil, ErrOrderExpired
	}
	if order.Fulfilled {
		return nil, ErrOrderFulfilled
	}

	ref, err := ss.screenshotRef(ctx, req)
	if err != nil {
		return nil, err
	}

	sub := &entities.PaymentSubmission{
		ID:               uuid.NewString(),
		OrderID:          order.ID,
		UserID:           req.UserID,
		ScreenshotRef:    ref,
		FraudFlags:       []entities.FraudFlag{},
		Status:           entities.StatusPending,
		ValidationErrors: []string{},
		NextAttemptAt:    now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = ss.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		created, err := ss.submissions.InsertSubmission(ctx, sub)
		if err != nil {
			return fmt.Errorf("failed to insert submission: %w", err)
		}
		if !created {
			return ErrSubmissionInProgress
		}

		return ss.audit.AppendAudit(ctx, &entities.AuditRecord{
			SubmissionID: sub.ID,
			ToStatus:     entities.StatusPending,
			Actor:        req.UserID,
			Reason:       "submitted",
			FraudFlags:   []entities.FraudFlag{},
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}

	if ss.velocity != nil {
		if err = ss.velocity.Record(ctx, sub.UserID, sub.ID, sub.CreatedAt); err != nil {
			ss.logger.WarnContext(ctx, "Failed to record submission velocity", "submission_id", sub.ID, "error", err)
		}
	}

	ss.logger.InfoContext(ctx, "Payment submission created",
		"submission_id", sub.ID, "order_id", sub.OrderID, "user_id", sub.UserID)

	ss.notifier.NotifySubmission(ctx, sub)
	if ss.nudger != nil {
		ss.nudger.Nudge()
	}

	return sub, nil
}

func (ss *SubmissionService) screenshotRef(ctx context.Context, req CreateSubmissionRequest) (string, error) {
	if len(req.Screenshot) > 0 {
		ref, err := ss.screenshots.Save(ctx, req.Screenshot)
		if err != nil {
			return "", fmt.Errorf("failed to store screenshot: %w", err)
		}
		return ref, nil
	}

	ref := strings.TrimSpace(req.ScreenshotRef)
	if ref == "" {
		return "", ErrScreenshotRequired
	}

	exists, err := ss.screenshots.Exists(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to check screenshot: %w", err)
	}
	if !exists {
		return "", ErrScreenshotNotFound
	}
	return ref, nil
}

// GetSubmission returns the full submission. Callers decide what to expose.
func (ss *SubmissionService) GetSubmission(ctx context.Context, id string) (*entities.PaymentSubmission, error) {
	sub, err := ss.submissions.FindSubmissionByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find submission: %w", err)
	}
	if sub == nil {
		return nil, ErrSubmissionNotFound
	}
	return sub, nil
}

func (ss *SubmissionService) GetUserSubmission(ctx context.Context, id, userID string) (SubmissionView, error) {
	sub, err := ss.GetSubmission(ctx, id)
	if err != nil {
		return SubmissionView{}, err
	}
	if sub.UserID != userID {
		return SubmissionView{}, ErrSubmissionNotFound
	}
	return UserView(sub), nil
}

func (ss *SubmissionService) GetOrderSubmissions(ctx context.Context, orderID string) ([]SubmissionView, error) {
	subs, err := ss.submissions.FindOrderSubmissions(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to find order submissions: %w", err)
	}

	views := make([]SubmissionView, 0, len(subs))
	for i := range subs {
		views = append(views, UserView(&subs[i]))
	}
	return views, nil
}

// IsNotFound reports whether err means the requested order or submission
// does not exist for the caller.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrOrderNotFound) || errors.Is(err, ErrSubmissionNotFound)
}
