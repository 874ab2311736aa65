package fraud

import (
	"github.com/haulmark/payment-verifier/backend/internal/entities"
)

type Decision struct {
	Status           entities.SubmissionStatus
	Score            int
	Flags            []entities.FraudFlag
	ValidationErrors []string
	HardOverride     bool
}

// Decider maps an aggregate score and hard-override flags to an outcome.
type Decider struct {
	registry        *Registry
	reviewThreshold int
	rejectThreshold int
}

func NewDecider(registry *Registry, s Settings) *Decider {
	return &Decider{
		registry:        registry,
		reviewThreshold: s.ReviewThreshold,
		rejectThreshold: s.RejectThreshold,
	}
}

func Score(flags []entities.FraudFlag) int {
	score := 0
	for _, f := range flags {
		score += f.Weight
	}
	return score
}

func (d *Decider) Decide(flags []entities.FraudFlag) Decision {
	decision := Decision{
		Score: Score(flags),
		Flags: flags,
	}
	for _, f := range flags {
		if d.registry.IsHardOverride(f.Rule) {
			decision.HardOverride = true
			break
		}
	}

	switch {
	case decision.Score >= d.rejectThreshold:
		decision.Status = entities.StatusRejected
		decision.ValidationErrors = d.Reasons(flags)
	case decision.HardOverride || decision.Score >= d.reviewThreshold:
		decision.Status = entities.StatusManualReview
	default:
		decision.Status = entities.StatusApproved
	}

	return decision
}

// Reasons turns flags into user-facing descriptions.
func (d *Decider) Reasons(flags []entities.FraudFlag) []string {
	reasons := make([]string, 0, len(flags))
	for _, f := range flags {
		reasons = append(reasons, d.registry.Describe(f.Rule))
	}
	return reasons
}
