package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tx "github.com/Thiht/transactor/pgx"
	"github.com/jackc/pgx/v5"
	"go.openly.dev/pointy"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/pkg/database"
)

type auditRow struct {
	ID           int64                `db:"id"`
	SubmissionID string               `db:"submission_id"`
	FromStatus   *string              `db:"from_status"`
	ToStatus     string               `db:"to_status"`
	Actor        string               `db:"actor"`
	Reason       string               `db:"reason"`
	Notes        string               `db:"notes"`
	FraudScore   int                  `db:"fraud_score"`
	FraudFlags   []entities.FraudFlag `db:"fraud_flags"`
	CreatedAt    time.Time            `db:"created_at"`
}

// AuditRepository appends to the submission decision log. The table rejects
// updates and deletes.
type AuditRepository struct {
	logger *slog.Logger
	db     tx.DBGetter
}

func NewAuditRepository(logger *slog.Logger, pg *database.Postgres) *AuditRepository {
	return &AuditRepository{logger: logger, db: pg.DBGetter}
}

func (r *AuditRepository) AppendAudit(ctx context.Context, record *entities.AuditRecord) error {
	var from *string
	if record.FromStatus != "" {
		from = pointy.String(string(record.FromStatus))
	}

	query := `INSERT INTO submission_audit (submission_id, from_status, to_status, actor, reason, notes,
                                      fraud_score, fraud_flags, created_at)
              VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
              RETURNING id`

	err := r.db(ctx).QueryRow(ctx, query,
		record.SubmissionID, from, string(record.ToStatus), record.Actor, record.Reason, record.Notes,
		record.FraudScore, nonNilFlags(record.FraudFlags), record.CreatedAt,
	).Scan(&record.ID)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	return nil
}

func (r *AuditRepository) FindAuditTrail(ctx context.Context, submissionID string) ([]entities.AuditRecord, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, submission_id, from_status, to_status, actor, reason, notes, fraud_score, fraud_flags, created_at
           FROM submission_audit
          WHERE submission_id = $1
          ORDER BY id`,
		submissionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByName[auditRow])
	if err != nil {
		r.logger.Error("failed to collect audit rows", "error", err)
		return nil, err
	}

	trail := make([]entities.AuditRecord, 0, len(records))
	for _, row := range records {
		trail = append(trail, entities.AuditRecord{
			ID:           row.ID,
			SubmissionID: row.SubmissionID,
			FromStatus:   entities.SubmissionStatus(pointy.StringValue(row.FromStatus, "")),
			ToStatus:     entities.SubmissionStatus(row.ToStatus),
			Actor:        row.Actor,
			Reason:       row.Reason,
			Notes:        row.Notes,
			FraudScore:   row.FraudScore,
			FraudFlags:   row.FraudFlags,
			CreatedAt:    row.CreatedAt,
		})
	}

	return trail, nil
}
