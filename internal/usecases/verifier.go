package usecases

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/fraud"
)

const (
	reasonUnreadableImage = "unreadable image"
	reasonUnknownOrder    = "order not found"
	reasonOrderFulfilled  = "order already paid"
	reasonRetriesExceeded = "verification retries exhausted"
	reasonClaimExpired    = "claim lease expired"
	reasonAutomatic       = "automatic decision"
)

type ImageAnalyzer interface {
	Analyze(data []byte) (entities.ImageFingerprint, error)
}

type ProofExtractor interface {
	Extract(ctx context.Context, image []byte) (entities.ExtractedProof, error)
}

type HistoryProvider interface {
	Facts(ctx context.Context, sub *entities.PaymentSubmission, fp entities.ImageFingerprint, proof entities.ExtractedProof) (fraud.HistoryFacts, error)
}

type VerifierSettings struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	StepTimeout time.Duration
	ClaimLease  time.Duration
}

type VerifierDeps struct {
	Orders      OrdersRepository
	Submissions SubmissionsRepository
	Audit       AuditRepository
	Screenshots ScreenshotStore
	Analyzer    ImageAnalyzer
	Extractor   ProofExtractor
	History     HistoryProvider
	Accounts    AccountDirectory
	Engine      *fraud.Engine
	Decider     *fraud.Decider
	Settlement  *Settlement
	Transactor  Transactor
	Publisher   SettlementPublisher
	Notifier    StatusNotifier
}

// Verifier drives a submission from pending to an outcome. Only the status
// compare-and-set is shared between concurrent runs.
type Verifier struct {
	logger *slog.Logger
	VerifierDeps
	settings VerifierSettings
	now      func() time.Time
}

func NewVerifier(logger *slog.Logger, deps VerifierDeps, settings VerifierSettings) *Verifier {
	return &Verifier{
		logger:       logger,
		VerifierDeps: deps,
		settings:     settings,
		now:          time.Now,
	}
}

// outcome is the result of one pipeline run, persisted by finalize.
type outcome struct {
	status           entities.SubmissionStatus
	score            int
	flags            []entities.FraudFlag
	validationErrors []string
	fingerprint      *entities.ImageFingerprint
	proof            *entities.ExtractedProof
	lastError        string
}

func (v *Verifier) ReadySubmissions(ctx context.Context, limit uint64) ([]string, error) {
	return v.Submissions.ListReadySubmissions(ctx, v.now().UTC(), limit)
}

// Claim moves a pending submission to processing. Exactly one concurrent
// caller wins; the others get ErrAlreadyClaimed.
func (v *Verifier) Claim(ctx context.Context, id string) (*entities.PaymentSubmission, error) {
	claimed, err := v.Submissions.ClaimSubmission(ctx, id, v.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to claim submission: %w", err)
	}

	sub, err := v.Submissions.FindSubmissionByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to find submission: %w", err)
	}
	if sub == nil {
		return nil, ErrSubmissionNotFound
	}

	if !claimed {
		return nil, fmt.Errorf("%w: %w", ErrAlreadyClaimed, &entities.InvalidStateError{
			SubmissionID: id,
			Current:      sub.Status,
			Target:       entities.StatusProcessing,
		})
	}
	return sub, nil
}

// Process claims and verifies one submission and returns the status it was
// left in. Transient collaborator failures return it to pending, not an error.
func (v *Verifier) Process(ctx context.Context, id string) (entities.SubmissionStatus, error) {
	sub, err := v.Claim(ctx, id)
	if err != nil {
		return "", err
	}

	v.logger.DebugContext(ctx, "Submission claimed", "submission_id", sub.ID, "attempt", sub.Attempts)
	v.Notifier.NotifySubmission(ctx, sub)

	if sub.Attempts > v.settings.MaxAttempts {
		return v.escalate(ctx, sub, nil, errors.New(reasonRetriesExceeded))
	}

	order, err := v.Orders.FindOrderByID(ctx, sub.OrderID)
	if err != nil {
		return v.release(ctx, sub, nil, fmt.Errorf("failed to find order: %w", err))
	}
	if order == nil {
		return v.finalize(ctx, sub, nil, outcome{
			status:           entities.StatusRejected,
			validationErrors: []string{reasonUnknownOrder},
		})
	}
	if order.Fulfilled {
		return v.finalize(ctx, sub, order, outcome{
			status:           entities.StatusRejected,
			validationErrors: []string{reasonOrderFulfilled},
		})
	}

	data, err := v.loadScreenshot(ctx, sub.ScreenshotRef)
	if errors.Is(err, fs.ErrNotExist) {
		return v.finalize(ctx, sub, order, outcome{
			status:           entities.StatusRejected,
			validationErrors: []string{reasonUnreadableImage},
			lastError:        err.Error(),
		})
	}
	if err != nil {
		return v.release(ctx, sub, order, err)
	}

	fp, err := v.Analyzer.Analyze(data)
	if err != nil {
		return v.finalize(ctx, sub, order, outcome{
			status:           entities.StatusRejected,
			validationErrors: []string{reasonUnreadableImage},
			lastError:        err.Error(),
		})
	}
	if err = v.Submissions.RecordFingerprint(ctx, sub.ID, fp); err != nil {
		return v.release(ctx, sub, order, fmt.Errorf("failed to record fingerprint: %w", err))
	}

	proof, err := v.extract(ctx, data)
	if err != nil {
		return v.release(ctx, sub, order, err)
	}

	facts, err := v.History.Facts(ctx, sub, fp, proof)
	if err != nil {
		return v.release(ctx, sub, order, err)
	}

	accountCreatedAt, err := v.Accounts.AccountCreatedAt(ctx, sub.UserID)
	if err != nil {
		return v.release(ctx, sub, order, fmt.Errorf("failed to look up account age: %w", err))
	}

	flags := v.Engine.Evaluate(ctx, fraud.Input{
		Order:            order,
		Submission:       sub,
		Fingerprint:      fp,
		Proof:            proof,
		History:          facts,
		AccountCreatedAt: accountCreatedAt,
		Now:              v.now(),
	})
	decision := v.Decider.Decide(flags)

	return v.finalize(ctx, sub, order, outcome{
		status:           decision.Status,
		score:            decision.Score,
		flags:            decision.Flags,
		validationErrors: decision.ValidationErrors,
		fingerprint:      &fp,
		proof:            &proof,
	})
}

func (v *Verifier) loadScreenshot(ctx context.Context, ref string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, v.settings.StepTimeout)
	defer cancel()

	data, err := v.Screenshots.Load(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load screenshot: %w", err)
	}
	return data, nil
}

func (v *Verifier) extract(ctx context.Context, data []byte) (entities.ExtractedProof, error) {
	ctx, cancel := context.WithTimeout(ctx, v.settings.StepTimeout)
	defer cancel()

	return v.Extractor.Extract(ctx, data)
}

// finalize persists the outcome, the audit record and, on approval, the
// settlement in one transaction, then publishes after commit.
func (v *Verifier) finalize(ctx context.Context, sub *entities.PaymentSubmission, order *entities.PaymentOrder, out outcome) (entities.SubmissionStatus, error) {
	now := v.now().UTC()
	updated := *sub
	updated.Status = out.status
	updated.FraudScore = out.score
	updated.FraudFlags = nonNilFlags(out.flags)
	updated.ValidationErrors = nonNilStrings(out.validationErrors)
	updated.LastError = out.lastError
	updated.ClaimedAt = nil
	updated.UpdatedAt = now
	if out.fingerprint != nil {
		updated.ImageFingerprint = out.fingerprint
	}
	if out.proof != nil {
		updated.ExtractedProof = out.proof
	}
	if out.status.IsTerminal() {
		updated.Resolution = &entities.Resolution{
			ResolvedBy: entities.SystemActor,
			ResolvedAt: now,
			Reason:     reasonAutomatic,
		}
	}

	var event *entities.SettlementEvent
	err := v.Transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		ok, err := v.Submissions.UpdateSubmissionState(ctx, &updated, entities.StatusProcessing)
		if err != nil {
			return fmt.Errorf("failed to update submission: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrClaimLost, sub.ID)
		}

		err = v.Audit.AppendAudit(ctx, &entities.AuditRecord{
			SubmissionID: sub.ID,
			FromStatus:   entities.StatusProcessing,
			ToStatus:     out.status,
			Actor:        entities.SystemActor,
			Reason:       strings.Join(updated.ValidationErrors, "; "),
			FraudScore:   out.score,
			FraudFlags:   updated.FraudFlags,
			CreatedAt:    now,
		})
		if err != nil {
			return fmt.Errorf("failed to append audit record: %w", err)
		}

		if out.status == entities.StatusApproved {
			event, err = v.Settlement.Apply(ctx, order, sub.ID)
			if err != nil {
				return fmt.Errorf("failed to apply settlement: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	v.logger.InfoContext(ctx, "Submission verified",
		"submission_id", sub.ID,
		"order_id", sub.OrderID,
		"status", out.status,
		"fraud_score", out.score,
		"fraud_flags", flagNames(out.flags),
		"validation_errors", updated.ValidationErrors)

	v.afterCommit(ctx, &updated, event)
	return out.status, nil
}

// release returns a submission to pending after a transient failure, or
// escalates it once attempts are used up.
func (v *Verifier) release(ctx context.Context, sub *entities.PaymentSubmission, order *entities.PaymentOrder, cause error) (entities.SubmissionStatus, error) {
	if ctx.Err() != nil {
		// Shutting down: leave the claim to the reaper.
		return entities.StatusProcessing, ctx.Err()
	}
	if sub.Attempts >= v.settings.MaxAttempts {
		return v.escalate(ctx, sub, order, cause)
	}

	now := v.now().UTC()
	updated := *sub
	updated.Status = entities.StatusPending
	updated.LastError = cause.Error()
	updated.NextAttemptAt = now.Add(v.backoff(sub.Attempts))
	updated.ClaimedAt = nil
	updated.UpdatedAt = now

	err := v.Transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		ok, err := v.Submissions.UpdateSubmissionState(ctx, &updated, entities.StatusProcessing)
		if err != nil {
			return fmt.Errorf("failed to release submission: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrClaimLost, sub.ID)
		}
		return v.Audit.AppendAudit(ctx, &entities.AuditRecord{
			SubmissionID: sub.ID,
			FromStatus:   entities.StatusProcessing,
			ToStatus:     entities.StatusPending,
			Actor:        entities.SystemActor,
			Reason:       updated.LastError,
			FraudFlags:   []entities.FraudFlag{},
			CreatedAt:    now,
		})
	})
	if err != nil {
		return "", err
	}

	v.logger.WarnContext(ctx, "Submission verification failed, will retry",
		"submission_id", sub.ID,
		"attempt", sub.Attempts,
		"next_attempt_at", updated.NextAttemptAt,
		"error", cause)

	v.Notifier.NotifySubmission(ctx, &updated)
	return entities.StatusPending, nil
}

// escalate parks a submission that keeps failing in manual_review with the
// low-confidence flag, so it never sits unverified.
func (v *Verifier) escalate(ctx context.Context, sub *entities.PaymentSubmission, order *entities.PaymentOrder, cause error) (entities.SubmissionStatus, error) {
	flag := v.Engine.Registry().Flag(fraud.RuleLowOCRConfidence)

	v.logger.WarnContext(ctx, "Submission retries exhausted, escalating to manual review",
		"submission_id", sub.ID, "attempts", sub.Attempts, "error", cause)

	out := outcome{
		status: entities.StatusManualReview,
		score:  flag.Weight,
		flags:  []entities.FraudFlag{flag},
	}
	if cause != nil {
		out.lastError = cause.Error()
	}
	return v.finalize(ctx, sub, order, out)
}

func (v *Verifier) backoff(attempts int) time.Duration {
	d := v.settings.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= v.settings.BackoffMax {
			return v.settings.BackoffMax
		}
	}
	return min(d, v.settings.BackoffMax)
}

func (v *Verifier) afterCommit(ctx context.Context, sub *entities.PaymentSubmission, event *entities.SettlementEvent) {
	if event != nil {
		if err := v.Publisher.PublishSettlement(ctx, event); err != nil {
			v.logger.ErrorContext(ctx, "Failed to publish settlement event",
				"order_id", event.OrderID, "event_id", event.EventID, "error", err)
		}
	}
	v.Notifier.NotifySubmission(ctx, sub)
}

// ReleaseStaleClaims returns submissions claimed longer ago than the lease,
// typically by a crashed worker, to pending.
func (v *Verifier) ReleaseStaleClaims(ctx context.Context) (int64, error) {
	now := v.now().UTC()

	var released []string
	err := v.Transactor.WithinTransaction(ctx, func(ctx context.Context) error {
		var err error
		released, err = v.Submissions.ReleaseStaleClaims(ctx, now.Add(-v.settings.ClaimLease), now)
		if err != nil {
			return err
		}

		for _, id := range released {
			err = v.Audit.AppendAudit(ctx, &entities.AuditRecord{
				SubmissionID: id,
				FromStatus:   entities.StatusProcessing,
				ToStatus:     entities.StatusPending,
				Actor:        entities.SystemActor,
				Reason:       reasonClaimExpired,
				FraudFlags:   []entities.FraudFlag{},
				CreatedAt:    now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to release stale claims: %w", err)
	}

	for _, id := range released {
		v.logger.WarnContext(ctx, "Released stale submission claim", "submission_id", id)
	}
	return int64(len(released)), nil
}

func flagNames(flags []entities.FraudFlag) []string {
	names := make([]string, 0, len(flags))
	for _, f := range flags {
		names = append(names, f.Rule)
	}
	return names
}

func nonNilFlags(flags []entities.FraudFlag) []entities.FraudFlag {
	if flags == nil {
		return []entities.FraudFlag{}
	}
	return flags
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
