package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"
	"go.openly.dev/pointy"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/pkg/database"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var submissionColumns = []string{
	"id", "order_id", "user_id", "screenshot_ref",
	"exact_hash", "perceptual_hash", "width", "height", "has_exif",
	"extracted_proof", "fraud_flags", "fraud_score", "status", "validation_errors",
	"resolved_by", "resolved_at", "resolution_reason", "resolution_notes",
	"attempts", "last_error", "next_attempt_at", "claimed_at", "created_at", "updated_at",
}

// reviewStatuses are the outcomes whose reference numbers count as already used.
var reviewStatuses = []string{string(entities.StatusApproved), string(entities.StatusManualReview)}

// submissionRow is the flat table shape of a PaymentSubmission.
type submissionRow struct {
	ID               string                   `db:"id"`
	OrderID          string                   `db:"order_id"`
	UserID           string                   `db:"user_id"`
	ScreenshotRef    string                   `db:"screenshot_ref"`
	ExactHash        *string                  `db:"exact_hash"`
	PerceptualHash   *string                  `db:"perceptual_hash"`
	Width            *int                     `db:"width"`
	Height           *int                     `db:"height"`
	HasExif          *bool                    `db:"has_exif"`
	ExtractedProof   *entities.ExtractedProof `db:"extracted_proof"`
	FraudFlags       []entities.FraudFlag     `db:"fraud_flags"`
	FraudScore       int                      `db:"fraud_score"`
	Status           string                   `db:"status"`
	ValidationErrors []string                 `db:"validation_errors"`
	ResolvedBy       *string                  `db:"resolved_by"`
	ResolvedAt       *time.Time               `db:"resolved_at"`
	ResolutionReason *string                  `db:"resolution_reason"`
	ResolutionNotes  *string                  `db:"resolution_notes"`
	Attempts         int                      `db:"attempts"`
	LastError        string                   `db:"last_error"`
	NextAttemptAt    time.Time                `db:"next_attempt_at"`
	ClaimedAt        *time.Time               `db:"claimed_at"`
	CreatedAt        time.Time                `db:"created_at"`
	UpdatedAt        time.Time                `db:"updated_at"`
}

func (row submissionRow) entity() entities.PaymentSubmission {
	sub := entities.PaymentSubmission{
		ID:               row.ID,
		OrderID:          row.OrderID,
		UserID:           row.UserID,
		ScreenshotRef:    row.ScreenshotRef,
		ExtractedProof:   row.ExtractedProof,
		FraudFlags:       row.FraudFlags,
		FraudScore:       row.FraudScore,
		Status:           entities.SubmissionStatus(row.Status),
		ValidationErrors: row.ValidationErrors,
		Attempts:         row.Attempts,
		LastError:        row.LastError,
		NextAttemptAt:    row.NextAttemptAt,
		ClaimedAt:        row.ClaimedAt,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if sub.FraudFlags == nil {
		sub.FraudFlags = []entities.FraudFlag{}
	}
	if sub.ValidationErrors == nil {
		sub.ValidationErrors = []string{}
	}

	if row.ExactHash != nil {
		sub.ImageFingerprint = &entities.ImageFingerprint{
			ExactHash:      *row.ExactHash,
			PerceptualHash: pointy.StringValue(row.PerceptualHash, ""),
			Width:          pointy.IntValue(row.Width, 0),
			Height:         pointy.IntValue(row.Height, 0),
			HasExif:        pointy.BoolValue(row.HasExif, false),
		}
	}

	if row.ResolvedBy != nil && row.ResolvedAt != nil {
		sub.Resolution = &entities.Resolution{
			ResolvedBy: *row.ResolvedBy,
			ResolvedAt: *row.ResolvedAt,
			Reason:     pointy.StringValue(row.ResolutionReason, ""),
			Notes:      pointy.StringValue(row.ResolutionNotes, ""),
		}
	}

	return sub
}

func collectSubmissions(rows pgx.Rows) ([]entities.PaymentSubmission, error) {
	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[submissionRow])
	if err != nil {
		return nil, err
	}

	subs := make([]entities.PaymentSubmission, 0, len(records))
	for _, row := range records {
		subs = append(subs, row.entity())
	}
	return subs, nil
}

// SubmissionsRepository stores payment submissions and answers the history
// questions the fraud rules ask about them.
type SubmissionsRepository struct {
	logger *slog.Logger

	db         tx.DBGetter
	transactor *tx.Transactor
}

func NewSubmissionsRepository(logger *slog.Logger, pg *database.Postgres) *SubmissionsRepository {
	return &SubmissionsRepository{logger: logger, db: pg.DBGetter, transactor: pg.Transactor}
}

// InsertSubmission relies on the partial unique index over live submissions of
// an order; a conflicting insert affects no row.
func (r *SubmissionsRepository) InsertSubmission(ctx context.Context, sub *entities.PaymentSubmission) (bool, error) {
	query := `INSERT INTO payment_submissions (id, order_id, user_id, screenshot_ref, status, attempts,
                                         next_attempt_at, created_at, updated_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
              ON CONFLICT DO NOTHING`

	tag, err := r.db(ctx).Exec(ctx, query,
		sub.ID, sub.OrderID, sub.UserID, sub.ScreenshotRef, string(sub.Status), sub.Attempts,
		sub.NextAttemptAt, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment submission: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *SubmissionsRepository) FindSubmissionByID(ctx context.Context, id string) (*entities.PaymentSubmission, error) {
	query, args, err := psql.Select(submissionColumns...).From("payment_submissions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build submission query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment submission: %w", err)
	}

	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[submissionRow])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to collect payment submission: %w", err)
	}

	sub := row.entity()
	return &sub, nil
}

func (r *SubmissionsRepository) FindOrderSubmissions(ctx context.Context, orderID string) ([]entities.PaymentSubmission, error) {
	return r.ListSubmissions(ctx, entities.SubmissionFilter{OrderID: orderID})
}

// ListSubmissions serves the review feed, oldest first.
func (r *SubmissionsRepository) ListSubmissions(ctx context.Context, filter entities.SubmissionFilter) ([]entities.PaymentSubmission, error) {
	builder := psql.Select(submissionColumns...).From("payment_submissions").OrderBy("created_at ASC", "id ASC")

	if filter.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(filter.Status)})
	}
	if filter.UserID != "" {
		builder = builder.Where(sq.Eq{"user_id": filter.UserID})
	}
	if filter.OrderID != "" {
		builder = builder.Where(sq.Eq{"order_id": filter.OrderID})
	}
	if filter.Limit > 0 {
		builder = builder.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		builder = builder.Offset(filter.Offset)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build submissions query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment submissions: %w", err)
	}

	subs, err := collectSubmissions(rows)
	if err != nil {
		r.logger.Error("failed to collect payment submission rows", "error", err)
		return nil, err
	}

	return subs, nil
}

func (r *SubmissionsRepository) ListReadySubmissions(ctx context.Context, now time.Time, limit uint64) ([]string, error) {
	query, args, err := psql.Select("id").
		From("payment_submissions").
		Where(sq.Eq{"status": string(entities.StatusPending)}).
		Where(sq.LtOrEq{"next_attempt_at": now}).
		OrderBy("next_attempt_at ASC", "created_at ASC").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build ready queue query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ready submissions: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect ready submissions: %w", err)
	}

	return ids, nil
}

func (r *SubmissionsRepository) ClaimSubmission(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE payment_submissions
            SET status = 'processing', attempts = attempts + 1, claimed_at = $2, updated_at = $2
          WHERE id = $1 AND status = 'pending'`,
		id, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim submission: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *SubmissionsRepository) RecordFingerprint(ctx context.Context, id string, fp entities.ImageFingerprint) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE payment_submissions
            SET exact_hash = $2, perceptual_hash = NULLIF($3, ''), width = $4, height = $5, has_exif = $6
          WHERE id = $1`,
		id, fp.ExactHash, fp.PerceptualHash, fp.Width, fp.Height, fp.HasExif)
	if err != nil {
		return fmt.Errorf("failed to record image fingerprint: %w", err)
	}

	return nil
}

// UpdateSubmissionState is the compare-and-set every transition goes through.
// Fingerprint and proof are write-once: a nil value keeps what is stored.
func (r *SubmissionsRepository) UpdateSubmissionState(ctx context.Context, sub *entities.PaymentSubmission, from entities.SubmissionStatus) (bool, error) {
	var (
		exactHash, perceptualHash *string
		width, height             *int
		hasExif                   *bool
	)
	if fp := sub.ImageFingerprint; fp != nil {
		exactHash = pointy.String(fp.ExactHash)
		if fp.PerceptualHash != "" {
			perceptualHash = pointy.String(fp.PerceptualHash)
		}
		width, height, hasExif = pointy.Int(fp.Width), pointy.Int(fp.Height), pointy.Bool(fp.HasExif)
	}

	var resolvedBy, resolutionReason, resolutionNotes *string
	var resolvedAt *time.Time
	if res := sub.Resolution; res != nil {
		at := res.ResolvedAt
		resolvedBy, resolvedAt = pointy.String(res.ResolvedBy), &at
		resolutionReason, resolutionNotes = pointy.String(res.Reason), pointy.String(res.Notes)
	}

	query := `UPDATE payment_submissions
                 SET status            = $3,
                     exact_hash        = COALESCE($4, exact_hash),
                     perceptual_hash   = COALESCE($5, perceptual_hash),
                     width             = COALESCE($6, width),
                     height            = COALESCE($7, height),
                     has_exif          = COALESCE($8, has_exif),
                     extracted_proof   = COALESCE($9, extracted_proof),
                     fraud_flags       = $10,
                     fraud_score       = $11,
                     validation_errors = $12,
                     resolved_by       = $13,
                     resolved_at       = $14,
                     resolution_reason = $15,
                     resolution_notes  = $16,
                     attempts          = $17,
                     last_error        = $18,
                     next_attempt_at   = $19,
                     claimed_at        = $20,
                     updated_at        = $21
               WHERE id = $1 AND status = $2`

	tag, err := r.db(ctx).Exec(ctx, query,
		sub.ID, string(from), string(sub.Status),
		exactHash, perceptualHash, width, height, hasExif, sub.ExtractedProof,
		nonNilFlags(sub.FraudFlags), sub.FraudScore, nonNilStrings(sub.ValidationErrors),
		resolvedBy, resolvedAt, resolutionReason, resolutionNotes,
		sub.Attempts, sub.LastError, sub.NextAttemptAt, sub.ClaimedAt, sub.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to update submission state: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ReleaseStaleClaims returns submissions whose claim is older than claimedBefore
// to the ready queue and reports their ids.
func (r *SubmissionsRepository) ReleaseStaleClaims(ctx context.Context, claimedBefore, now time.Time) ([]string, error) {
	rows, err := r.db(ctx).Query(ctx,
		`UPDATE payment_submissions
            SET status = 'pending', claimed_at = NULL, next_attempt_at = $2, updated_at = $2
          WHERE status = 'processing' AND claimed_at < $1
      RETURNING id`,
		claimedBefore, now)
	if err != nil {
		return nil, fmt.Errorf("failed to release stale claims: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect released claims: %w", err)
	}

	return ids, nil
}

func (r *SubmissionsRepository) ReferenceSeen(ctx context.Context, reference, excludeOrderID string) (bool, error) {
	var seen bool
	err := r.db(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payment_submissions
                        WHERE reference_number = $1 AND order_id <> $2 AND status = ANY($3))`,
		reference, excludeOrderID, reviewStatuses).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to check reference number: %w", err)
	}

	return seen, nil
}

// ExactHashSeen looks at every other submission, including earlier uploads for
// the same order.
func (r *SubmissionsRepository) ExactHashSeen(ctx context.Context, exactHash, excludeID string) (bool, error) {
	var seen bool
	err := r.db(ctx).QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM payment_submissions WHERE exact_hash = $1 AND id <> $2)",
		exactHash, excludeID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("failed to check exact image hash: %w", err)
	}

	return seen, nil
}

func (r *SubmissionsRepository) RecentPerceptualHashes(ctx context.Context, excludeID string, since time.Time, limit uint64) ([]string, error) {
	query, args, err := psql.Select("perceptual_hash").
		From("payment_submissions").
		Where(sq.NotEq{"id": excludeID}).
		Where(sq.NotEq{"perceptual_hash": nil}).
		Where(sq.GtOrEq{"created_at": since}).
		OrderBy("created_at DESC").
		Limit(limit).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build perceptual hash query: %w", err)
	}

	rows, err := r.db(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query perceptual hashes: %w", err)
	}

	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect perceptual hashes: %w", err)
	}

	return hashes, nil
}

func (r *SubmissionsRepository) CountUserSubmissions(ctx context.Context, userID string, from, to time.Time, excludeID string) (int, error) {
	var count int
	err := r.db(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM payment_submissions
          WHERE user_id = $1 AND created_at BETWEEN $2 AND $3 AND id <> $4`,
		userID, from, to, excludeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count user submissions: %w", err)
	}

	return count, nil
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
