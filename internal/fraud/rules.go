// Package fraud scores payment submissions with a fixed registry of independent
// detector rules and maps the aggregate score to an outcome.
package fraud

import (
	"time"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/imaging"
)

const (
	RuleAmountMismatch       = "AMOUNT_MISMATCH"
	RuleDuplicateReference   = "DUPLICATE_REFERENCE"
	RuleDuplicateImage       = "DUPLICATE_IMAGE"
	RuleSimilarImage         = "SIMILAR_IMAGE"
	RuleReceiverMismatch     = "RECEIVER_MISMATCH"
	RuleTimestampExpired     = "TIMESTAMP_EXPIRED"
	RuleLowOCRConfidence     = "LOW_OCR_CONFIDENCE"
	RuleSuspiciousDimensions = "SUSPICIOUS_DIMENSIONS"
	RuleMissingExif          = "MISSING_EXIF"
	RuleNewAccountHighValue  = "NEW_ACCOUNT_HIGH_VALUE"
	RuleVelocityExceeded     = "VELOCITY_EXCEEDED"
)

// Settings carries every tunable used by the rules and the decision bands.
type Settings struct {
	HighWeight      int
	MediumWeight    int
	TimestampWeight int
	LowWeight       int

	ReviewThreshold int
	RejectThreshold int

	AmountToleranceMinor  int64
	SimilarityDistance    int
	ReceiverMinSimilarity int
	TimestampGrace        time.Duration
	Location              *time.Location
	ConfidenceFloor       int

	MinWidth, MaxWidth   int
	MinHeight, MaxHeight int

	NewAccountAge        time.Duration
	HighValueAmountMinor int64

	VelocityWindow time.Duration
	VelocityLimit  int
}

// HistoryFacts is what the history store knows about prior submissions.
type HistoryFacts struct {
	ReferenceSeen         bool
	ExactImageSeen        bool
	PriorPerceptualHashes []string
	RecentSubmissions     int
}

// Input is everything a rule may look at. Rules never perform I/O.
type Input struct {
	Order            *entities.PaymentOrder
	Submission       *entities.PaymentSubmission
	Fingerprint      entities.ImageFingerprint
	Proof            entities.ExtractedProof
	History          HistoryFacts
	AccountCreatedAt *time.Time
	Now              time.Time
}

// Rule is a named stateless predicate with a fixed weight.
type Rule struct {
	Name         string
	Description  string
	Weight       int
	HardOverride bool
	Detect       func(in Input) bool
}

func buildRules(s Settings) []Rule {
	return []Rule{
		{
			Name:        RuleAmountMismatch,
			Description: "The paid amount on the receipt does not match the order amount.",
			Weight:      s.HighWeight,
			Detect: func(in Input) bool {
				if in.Proof.Amount == nil {
					return true
				}
				diff := *in.Proof.Amount - in.Order.Amount
				if diff < 0 {
					diff = -diff
				}
				return diff > s.AmountToleranceMinor
			},
		},
		{
			Name:         RuleDuplicateReference,
			Description:  "The receipt reference number was already used for another payment.",
			Weight:       s.HighWeight,
			HardOverride: true,
			Detect: func(in Input) bool {
				return in.Proof.ReferenceNumber != nil && in.History.ReferenceSeen
			},
		},
		{
			Name:         RuleDuplicateImage,
			Description:  "The same screenshot was already submitted for another payment.",
			Weight:       s.HighWeight,
			HardOverride: true,
			Detect: func(in Input) bool {
				return in.History.ExactImageSeen
			},
		},
		{
			Name:        RuleSimilarImage,
			Description: "The screenshot closely resembles one submitted for another payment.",
			Weight:      s.MediumWeight,
			Detect: func(in Input) bool {
				if in.History.ExactImageSeen || in.Fingerprint.PerceptualHash == "" {
					return false
				}
				for _, prior := range in.History.PriorPerceptualHashes {
					d, err := imaging.HammingDistance(in.Fingerprint.PerceptualHash, prior)
					if err == nil && d <= s.SimilarityDistance {
						return true
					}
				}
				return false
			},
		},
		{
			Name:        RuleReceiverMismatch,
			Description: "The receiver on the receipt is not the platform's receiving account.",
			Weight:      s.MediumWeight,
			Detect: func(in Input) bool {
				if in.Proof.ReceiverName == nil {
					return true
				}
				return !ReceiverMatches(*in.Proof.ReceiverName, in.Order.ReceivingAccountName, s.ReceiverMinSimilarity)
			},
		},
		{
			Name:        RuleTimestampExpired,
			Description: "The receipt's transaction time is missing or earlier than the order.",
			Weight:      s.TimestampWeight,
			Detect: func(in Input) bool {
				if in.Proof.TransactionTimeText == nil {
					return true
				}
				paidAt, ok := ParseTransactionTime(*in.Proof.TransactionTimeText, s.Location)
				if !ok {
					return true
				}
				return paidAt.Before(in.Order.CreatedAt.Add(-s.TimestampGrace))
			},
		},
		{
			Name:         RuleLowOCRConfidence,
			Description:  "The receipt could not be read reliably.",
			Weight:       s.LowWeight,
			HardOverride: true,
			Detect: func(in Input) bool {
				return in.Proof.Confidence < s.ConfidenceFloor
			},
		},
		{
			Name:        RuleSuspiciousDimensions,
			Description: "The image does not look like a mobile wallet screenshot.",
			Weight:      s.LowWeight,
			Detect: func(in Input) bool {
				fp := in.Fingerprint
				return fp.Width < s.MinWidth || fp.Width > s.MaxWidth ||
					fp.Height < s.MinHeight || fp.Height > s.MaxHeight ||
					fp.Height < fp.Width
			},
		},
		{
			Name:        RuleMissingExif,
			Description: "The image carries no device metadata.",
			Weight:      s.LowWeight,
			Detect: func(in Input) bool {
				return !in.Fingerprint.HasExif
			},
		},
		{
			Name:        RuleNewAccountHighValue,
			Description: "A high-value payment from a recently created account.",
			Weight:      s.MediumWeight,
			Detect: func(in Input) bool {
				if in.Order.Amount <= s.HighValueAmountMinor {
					return false
				}
				if in.AccountCreatedAt == nil {
					return true
				}
				return in.Now.Sub(*in.AccountCreatedAt) < s.NewAccountAge
			},
		},
		{
			Name:        RuleVelocityExceeded,
			Description: "Too many payment submissions in a short period.",
			Weight:      s.HighWeight,
			Detect: func(in Input) bool {
				// RecentSubmissions excludes the submission being scored.
				return in.History.RecentSubmissions+1 > s.VelocityLimit
			},
		},
	}
}
