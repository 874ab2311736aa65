package usecases

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.openly.dev/pointy"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/fraud"
)

var (
	manila  = time.FixedZone("PHT", 8*60*60)
	fixedAt = time.Date(2026, 1, 15, 7, 0, 0, 0, time.UTC)
)

const receivingName = "Juan Dela Cruz"

func fraudSettings() fraud.Settings {
	return fraud.Settings{
		HighWeight:            40,
		MediumWeight:          20,
		TimestampWeight:       15,
		LowWeight:             10,
		ReviewThreshold:       30,
		RejectThreshold:       70,
		AmountToleranceMinor:  100,
		SimilarityDistance:    10,
		ReceiverMinSimilarity: 80,
		TimestampGrace:        30 * time.Minute,
		Location:              manila,
		ConfidenceFloor:       60,
		MinWidth:              320,
		MaxWidth:              2160,
		MinHeight:             480,
		MaxHeight:             4096,
		NewAccountAge:         7 * 24 * time.Hour,
		HighValueAmountMinor:  500000,
		VelocityWindow:        time.Hour,
		VelocityLimit:         5,
	}
}

// cleanProof reads like a genuine receipt for amount paid at 15:04 Manila time.
func cleanProof(amount int64) entities.ExtractedProof {
	return entities.ExtractedProof{
		Amount:              pointy.Int64(amount),
		ReferenceNumber:     pointy.String("1234567890123"),
		ReceiverName:        pointy.String("JU*N DE** C."),
		TransactionTimeText: pointy.String("Jan 15, 2026 3:04 PM"),
		Confidence:          95,
	}
}

type harness struct {
	store       *memStore
	screenshots *memScreenshots
	extractor   *scriptedExtractor
	notifier    *recordingNotifier
	publisher   *recordingPublisher
	nudger      *countingNudger

	orders      *OrderService
	submissions *SubmissionService
	settlement  *Settlement
	verifier    *Verifier
	adjudicator *Adjudicator
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.Default()
	clock := func() time.Time { return fixedAt }

	h := &harness{
		store:       newMemStore(),
		screenshots: newMemScreenshots(),
		extractor:   &scriptedExtractor{proofs: map[string]entities.ExtractedProof{}, fallback: cleanProof(100000)},
		notifier:    &recordingNotifier{},
		publisher:   &recordingPublisher{},
		nudger:      &countingNudger{},
	}

	h.orders = NewOrderService(logger, h.store, ReceivingAccount{Name: receivingName, Number: "09171234567"}, 30*time.Minute)
	h.orders.now = clock

	h.submissions = NewSubmissionService(logger, h.store, h.store, h.store, h.screenshots, nil, inlineTransactor{}, h.notifier)
	h.submissions.now = clock
	h.submissions.SetNudger(h.nudger)

	h.settlement = NewSettlement(logger, h.store, inlineTransactor{})
	h.settlement.now = clock

	history := NewHistoryService(logger, h.store, nil, HistorySettings{
		SimilarityLookback: 90 * 24 * time.Hour,
		MaxPriorHashes:     5000,
		VelocityWindow:     time.Hour,
	})
	history.now = clock

	settings := fraudSettings()
	registry := fraud.NewRegistry(settings)

	h.verifier = NewVerifier(logger, VerifierDeps{
		Orders:      h.store,
		Submissions: h.store,
		Audit:       h.store,
		Screenshots: h.screenshots,
		Analyzer:    fakeAnalyzer{},
		Extractor:   h.extractor,
		History:     history,
		Accounts:    h.store,
		Engine:      fraud.NewEngine(logger, registry),
		Decider:     fraud.NewDecider(registry, settings),
		Settlement:  h.settlement,
		Transactor:  inlineTransactor{},
		Publisher:   h.publisher,
		Notifier:    h.notifier,
	}, VerifierSettings{
		MaxAttempts: 3,
		BackoffBase: 30 * time.Second,
		BackoffMax:  10 * time.Minute,
		StepTimeout: 5 * time.Second,
		ClaimLease:  5 * time.Minute,
	})
	h.verifier.now = clock

	h.adjudicator = NewAdjudicator(logger, h.store, h.store, h.store, h.settlement, inlineTransactor{}, h.publisher, h.notifier)
	h.adjudicator.now = clock

	return h
}

// newOrder creates an order for an established account.
func (h *harness) newOrder(t *testing.T, userID, amount string, purpose entities.OrderPurpose, bidID *string) *entities.PaymentOrder {
	t.Helper()
	h.store.accounts[userID] = fixedAt.AddDate(-1, 0, 0)

	payTo, err := h.orders.CreateOrder(context.Background(), CreateOrderRequest{
		UserID:      userID,
		Amount:      amount,
		Purpose:     purpose,
		LinkedBidID: bidID,
	})
	require.NoError(t, err)
	return payTo.Order
}

func (h *harness) submit(t *testing.T, order *entities.PaymentOrder, screenshot string) *entities.PaymentSubmission {
	t.Helper()
	sub, err := h.submissions.CreateSubmission(context.Background(), CreateSubmissionRequest{
		OrderID:    order.ID,
		UserID:     order.UserID,
		Screenshot: []byte(screenshot),
	})
	require.NoError(t, err)
	return sub
}

func (h *harness) process(t *testing.T, id string) *entities.PaymentSubmission {
	t.Helper()
	_, err := h.verifier.Process(context.Background(), id)
	require.NoError(t, err)

	sub, err := h.store.FindSubmissionByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}

// requireAuditFollowsGraph checks every recorded transition is a legal edge.
func (h *harness) requireAuditFollowsGraph(t *testing.T) {
	t.Helper()
	for _, r := range h.store.auditRecords() {
		if r.FromStatus == "" {
			require.Equal(t, entities.StatusPending, r.ToStatus)
			continue
		}
		require.True(t, r.FromStatus.CanTransitionTo(r.ToStatus), "illegal transition %s -> %s", r.FromStatus, r.ToStatus)
	}
}

func flagRules(sub *entities.PaymentSubmission) []string {
	return flagNames(sub.FraudFlags)
}
