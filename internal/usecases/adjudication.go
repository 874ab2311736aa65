package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

type ResolveRequest struct {
	SubmissionID string
	ReviewerID   string
	Decision     Decision
	Reason       string
	Notes        string
}

// Adjudicator resolves submissions parked in manual_review.
type Adjudicator struct {
	logger      *slog.Logger
	orders      OrdersRepository
	submissions SubmissionsRepository
	audit       AuditRepository
	settlement  *Settlement
	transactor  Transactor
	publisher   SettlementPublisher
	notifier    StatusNotifier
	now         func() time.Time
}

func NewAdjudicator(
	logger *slog.Logger,
	orders OrdersRepository,
	submissions SubmissionsRepository,
	audit AuditRepository,
	settlement *Settlement,
	transactor Transactor,
	publisher SettlementPublisher,
	notifier StatusNotifier,
) *Adjudicator {
	return &Adjudicator{
		logger:      logger,
		orders:      orders,
		submissions: submissions,
		audit:       audit,
		settlement:  settlement,
		transactor:  transactor,
		publisher:   publisher,
		notifier:    notifier,
		now:         time.Now,
	}
}

// Resolve records a reviewer's decision. It fails with *entities.InvalidStateError,
// and changes nothing, unless the submission is in manual_review.
func (a *Adjudicator) Resolve(ctx context.Context, req ResolveRequest) (*entities.PaymentSubmission, error) {
	var target entities.SubmissionStatus
	switch req.Decision {
	case DecisionApprove:
		target = entities.StatusApproved
	case DecisionReject:
		target = entities.StatusRejected
	default:
		return nil, ErrInvalidDecision
	}

	reviewer := strings.TrimSpace(req.ReviewerID)
	if reviewer == "" {
		return nil, ErrReviewerRequired
	}
	reason := strings.TrimSpace(req.Reason)
	if target == entities.StatusRejected && reason == "" {
		return nil, ErrReasonRequired
	}

	sub, err := a.submissions.FindSubmissionByID(ctx, req.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find submission: %w", err)
	}
	if sub == nil {
		return nil, ErrSubmissionNotFound
	}
	if sub.Status != entities.StatusManualReview {
		return nil, &entities.InvalidStateError{SubmissionID: sub.ID, Current: sub.Status, Target: target}
	}

	var order *entities.PaymentOrder
	if target == entities.StatusApproved {
		order, err = a.orders.FindOrderByID(ctx, sub.OrderID)
		if err != nil {
			return nil, fmt.Errorf("failed to find order: %w", err)
		}
		if order == nil {
			return nil, ErrOrderNotFound
		}
	}

	now := a.now().UTC()
	updated := *sub
	updated.Status = target
	updated.UpdatedAt = now
	updated.Resolution = &entities.Resolution{
		ResolvedBy: reviewer,
		ResolvedAt: now,
		Reason:     reason,
		Notes:      req.Notes,
	}
	if target == entities.StatusRejected {
		updated.ValidationErrors = []string{reason}
	}

	var event *entities.SettlementEvent
	err = a.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		ok, err := a.submissions.UpdateSubmissionState(ctx, &updated, entities.StatusManualReview)
		if err != nil {
			return fmt.Errorf("failed to resolve submission: %w", err)
		}
		if !ok {
			current, err := a.submissions.FindSubmissionByID(ctx, sub.ID)
			if err != nil {
				return fmt.Errorf("failed to reload submission: %w", err)
			}
			state := entities.SubmissionStatus("")
			if current != nil {
				state = current.Status
			}
			return &entities.InvalidStateError{SubmissionID: sub.ID, Current: state, Target: target}
		}

		err = a.audit.AppendAudit(ctx, &entities.AuditRecord{
			SubmissionID: sub.ID,
			FromStatus:   entities.StatusManualReview,
			ToStatus:     target,
			Actor:        reviewer,
			Reason:       reason,
			Notes:        req.Notes,
			FraudScore:   sub.FraudScore,
			FraudFlags:   nonNilFlags(sub.FraudFlags),
			CreatedAt:    now,
		})
		if err != nil {
			return fmt.Errorf("failed to append audit record: %w", err)
		}

		if target == entities.StatusApproved {
			event, err = a.settlement.Apply(ctx, order, sub.ID)
			if err != nil {
				return fmt.Errorf("failed to apply settlement: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.logger.InfoContext(ctx, "Submission resolved by reviewer",
		"submission_id", sub.ID,
		"reviewer_id", reviewer,
		"status", target,
		"fraud_score", sub.FraudScore,
		"fraud_flags", flagNames(sub.FraudFlags),
		"reason", reason)

	if event != nil {
		if err = a.publisher.PublishSettlement(ctx, event); err != nil {
			a.logger.ErrorContext(ctx, "Failed to publish settlement event",
				"order_id", event.OrderID, "event_id", event.EventID, "error", err)
		}
	}
	a.notifier.NotifySubmission(ctx, &updated)

	return &updated, nil
}

func (a *Adjudicator) ReviewFeed(ctx context.Context, filter entities.SubmissionFilter) ([]entities.PaymentSubmission, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidFilter, filter.Status)
	}
	subs, err := a.submissions.ListSubmissions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	return subs, nil
}

// AuditTrail lists every recorded transition of a submission, oldest first.
func (a *Adjudicator) AuditTrail(ctx context.Context, submissionID string) ([]entities.AuditRecord, error) {
	records, err := a.audit.FindAuditTrail(ctx, submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find audit trail: %w", err)
	}
	return records, nil
}
