package entities

import "time"

// SystemActor is recorded as the actor of pipeline-driven transitions.
const SystemActor = "system"

// AuditRecord is one immutable entry of a submission's decision history.
type AuditRecord struct {
	ID           int64            `json:"id"            db:"id"`
	SubmissionID string           `json:"submission_id" db:"submission_id"`
	FromStatus   SubmissionStatus `json:"from_status"   db:"from_status"`
	ToStatus     SubmissionStatus `json:"to_status"     db:"to_status"`
	Actor        string           `json:"actor"         db:"actor"`
	Reason       string           `json:"reason"        db:"reason"`
	Notes        string           `json:"notes"         db:"notes"`
	FraudScore   int              `json:"fraud_score"   db:"fraud_score"`
	FraudFlags   []FraudFlag      `json:"fraud_flags"   db:"fraud_flags"`
	CreatedAt    time.Time        `json:"created_at"    db:"created_at"`
}
