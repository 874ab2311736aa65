package entities

import (
	"errors"
	"fmt"
	"time"
)

type SubmissionStatus string

const (
	StatusPending      SubmissionStatus = "pending"
	StatusProcessing   SubmissionStatus = "processing"
	StatusManualReview SubmissionStatus = "manual_review"
	StatusApproved     SubmissionStatus = "approved"
	StatusRejected     SubmissionStatus = "rejected"
)

// transitions is the complete submission state graph. processing -> pending is
// the retry edge taken when a collaborator fails transiently.
var transitions = map[SubmissionStatus][]SubmissionStatus{
	StatusPending:      {StatusProcessing},
	StatusProcessing:   {StatusApproved, StatusRejected, StatusManualReview, StatusPending},
	StatusManualReview: {StatusApproved, StatusRejected},
}

func (s SubmissionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusManualReview, StatusApproved, StatusRejected:
		return true
	}
	return false
}

func (s SubmissionStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// IsActive reports whether a submission still blocks new uploads for its order.
func (s SubmissionStatus) IsActive() bool {
	return s == StatusPending || s == StatusProcessing || s == StatusManualReview
}

func (s SubmissionStatus) CanTransitionTo(next SubmissionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ImageFingerprint describes the screenshot structurally, never its content.
type ImageFingerprint struct {
	ExactHash      string `json:"exact_hash"`
	PerceptualHash string `json:"perceptual_hash"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	HasExif        bool   `json:"has_exif"`
}

// ExtractedProof is the normalized OCR reading. Nil fields were not found.
type ExtractedProof struct {
	Amount              *int64  `json:"amount"`
	ReferenceNumber     *string `json:"reference_number"`
	ReceiverName        *string `json:"receiver_name"`
	TransactionTimeText *string `json:"transaction_time_text"`
	Confidence          int     `json:"confidence"`
}

type FraudFlag struct {
	Rule   string `json:"rule"`
	Weight int    `json:"weight"`
}

type Resolution struct {
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
	Reason     string    `json:"reason"`
	Notes      string    `json:"notes"`
}

type PaymentSubmission struct {
	ID               string            `json:"id"`
	OrderID          string            `json:"order_id"`
	UserID           string            `json:"user_id"`
	ScreenshotRef    string            `json:"screenshot_ref"`
	ImageFingerprint *ImageFingerprint `json:"image_fingerprint,omitempty"`
	ExtractedProof   *ExtractedProof   `json:"extracted_proof,omitempty"`
	FraudFlags       []FraudFlag       `json:"fraud_flags"`
	FraudScore       int               `json:"fraud_score"`
	Status           SubmissionStatus  `json:"status"`
	ValidationErrors []string          `json:"validation_errors"`
	Resolution       *Resolution       `json:"resolution,omitempty"`
	Attempts         int               `json:"attempts"`
	LastError        string            `json:"last_error,omitempty"`
	NextAttemptAt    time.Time         `json:"next_attempt_at"`
	ClaimedAt        *time.Time        `json:"claimed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// SubmissionFilter drives the admin review feed.
type SubmissionFilter struct {
	Status  SubmissionStatus
	UserID  string
	OrderID string
	Limit   uint64
	Offset  uint64
}

// ErrInvalidState is matched by every *InvalidStateError.
var ErrInvalidState = errors.New("invalid submission state")

// InvalidStateError is returned when a transition is requested from a state
// that does not allow it. No mutation has been performed when it is returned.
type InvalidStateError struct {
	SubmissionID string
	Current      SubmissionStatus
	Target       SubmissionStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("submission %s: cannot move from %s to %s", e.SubmissionID, e.Current, e.Target)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
