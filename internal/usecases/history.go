package usecases

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/fraud"
)

// HistoryRepository answers duplicate and velocity questions about prior
// submissions. Image checks skip only the submission being scored; reference
// checks skip its whole order.
type HistoryRepository interface {
	ReferenceSeen(ctx context.Context, reference, excludeOrderID string) (bool, error)
	ExactHashSeen(ctx context.Context, exactHash, excludeID string) (bool, error)
	RecentPerceptualHashes(ctx context.Context, excludeID string, since time.Time, limit uint64) ([]string, error)
	CountUserSubmissions(ctx context.Context, userID string, from, to time.Time, excludeID string) (int, error)
}

// VelocityTracker is a fast sliding-window counter of submissions per user.
type VelocityTracker interface {
	Record(ctx context.Context, userID, submissionID string, at time.Time) error
	CountUserSubmissions(ctx context.Context, userID string, from, to time.Time, excludeID string) (int, error)
}

type AccountDirectory interface {
	AccountCreatedAt(ctx context.Context, userID string) (*time.Time, error)
}

type HistorySettings struct {
	SimilarityLookback time.Duration
	MaxPriorHashes     uint64
	VelocityWindow     time.Duration
}

type HistoryService struct {
	logger   *slog.Logger
	repo     HistoryRepository
	velocity VelocityTracker
	settings HistorySettings
	now      func() time.Time
}

// NewHistoryService builds the history store. velocity may be nil, in which
// case velocity is counted in SQL only.
func NewHistoryService(logger *slog.Logger, repo HistoryRepository, velocity VelocityTracker, settings HistorySettings) *HistoryService {
	return &HistoryService{
		logger:   logger,
		repo:     repo,
		velocity: velocity,
		settings: settings,
		now:      time.Now,
	}
}

func (hs *HistoryService) Facts(
	ctx context.Context,
	sub *entities.PaymentSubmission,
	fp entities.ImageFingerprint,
	proof entities.ExtractedProof,
) (fraud.HistoryFacts, error) {
	var (
		facts fraud.HistoryFacts
		err   error
	)

	if proof.ReferenceNumber != nil {
		facts.ReferenceSeen, err = hs.repo.ReferenceSeen(ctx, *proof.ReferenceNumber, sub.OrderID)
		if err != nil {
			return facts, fmt.Errorf("failed to check reference history: %w", err)
		}
	}

	if fp.ExactHash != "" {
		facts.ExactImageSeen, err = hs.repo.ExactHashSeen(ctx, fp.ExactHash, sub.ID)
		if err != nil {
			return facts, fmt.Errorf("failed to check image history: %w", err)
		}
	}

	if fp.PerceptualHash != "" && !facts.ExactImageSeen {
		since := hs.now().Add(-hs.settings.SimilarityLookback)
		facts.PriorPerceptualHashes, err = hs.repo.RecentPerceptualHashes(ctx, sub.ID, since, hs.settings.MaxPriorHashes)
		if err != nil {
			return facts, fmt.Errorf("failed to load perceptual hashes: %w", err)
		}
	}

	facts.RecentSubmissions, err = hs.recentSubmissions(ctx, sub)
	if err != nil {
		return facts, err
	}

	return facts, nil
}

// recentSubmissions counts the user's other submissions in the window ending at
// this submission's creation. The database count is authoritative; the tracker
// can only raise it, since its writes are best effort.
func (hs *HistoryService) recentSubmissions(ctx context.Context, sub *entities.PaymentSubmission) (int, error) {
	to := sub.CreatedAt
	from := to.Add(-hs.settings.VelocityWindow)

	n, err := hs.repo.CountUserSubmissions(ctx, sub.UserID, from, to, sub.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent submissions: %w", err)
	}

	if hs.velocity == nil {
		return n, nil
	}

	tracked, err := hs.velocity.CountUserSubmissions(ctx, sub.UserID, from, to, sub.ID)
	if err != nil {
		hs.logger.WarnContext(ctx, "Velocity tracker unavailable, using database count",
			"submission_id", sub.ID, "error", err)
		return n, nil
	}
	if tracked < n {
		hs.logger.DebugContext(ctx, "Velocity tracker behind database",
			"user_id", sub.UserID, "tracked", tracked, "stored", n)
	}

	return max(n, tracked), nil
}
