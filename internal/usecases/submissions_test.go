package usecases

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.openly.dev/pointy"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
)

func TestCreateOrder(t *testing.T) {
	h := newHarness(t)

	payTo, err := h.orders.CreateOrder(context.Background(), CreateOrderRequest{
		UserID:  "user-1",
		Amount:  "₱1,250.50",
		Purpose: entities.PurposeTopUp,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(125050), payTo.Order.Amount)
	assert.Equal(t, "1250.50", payTo.Amount)
	assert.Equal(t, receivingName, payTo.AccountName)
	assert.Equal(t, fixedAt.Add(30*time.Minute), payTo.Order.ExpiresAt)
	assert.Contains(t, payTo.QRPayload, "ref="+payTo.Order.ID)
	assert.Contains(t, payTo.QRPayload, "amount=1250.50")

	stored, err := h.orders.GetUserOrder(context.Background(), payTo.Order.ID, "user-1")
	require.NoError(t, err)
	assert.False(t, stored.Fulfilled)

	_, err = h.orders.GetUserOrder(context.Background(), payTo.Order.ID, "user-2")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t)

	for name, req := range map[string]CreateOrderRequest{
		"no user":           {Amount: "100", Purpose: entities.PurposeTopUp},
		"bad purpose":       {UserID: "u", Amount: "100", Purpose: "gift"},
		"bad amount":        {UserID: "u", Amount: "abc", Purpose: entities.PurposeTopUp},
		"zero amount":       {UserID: "u", Amount: "0", Purpose: entities.PurposeTopUp},
		"fee without bid":   {UserID: "u", Amount: "100", Purpose: entities.PurposePlatformFee},
		"top-up with bid":   {UserID: "u", Amount: "100", Purpose: entities.PurposeTopUp, LinkedBidID: pointy.String("bid")},
		"fee with blank id": {UserID: "u", Amount: "100", Purpose: entities.PurposePlatformFee, LinkedBidID: pointy.String(" ")},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.orders.CreateOrder(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidOrder)
		})
	}
}

func TestCreateSubmission(t *testing.T) {
	h := newHarness(t)
	order := h.newOrder(t, "user-1", "1000", entities.PurposeTopUp, nil)

	sub := h.submit(t, order, "screenshot-a")

	assert.Equal(t, entities.StatusPending, sub.Status)
	assert.Equal(t, order.ID, sub.OrderID)
	assert.Equal(t, fixedAt, sub.NextAttemptAt)
	assert.Equal(t, 1, h.nudger.n)
	assert.Equal(t, []entities.SubmissionStatus{entities.StatusPending}, h.notifier.statuses)

	trail, err := h.store.FindAuditTrail(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "user-1", trail[0].Actor)
	assert.Equal(t, entities.StatusPending, trail[0].ToStatus)
}

func TestCreateSubmissionGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.newOrder(t, "user-1", "1000", entities.PurposeTopUp, nil)

	_, err := h.submissions.CreateSubmission(ctx, CreateSubmissionRequest{OrderID: order.ID, UserID: "user-2", Screenshot: []byte("x")})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = h.submissions.CreateSubmission(ctx, CreateSubmissionRequest{OrderID: order.ID, UserID: "user-1"})
	assert.ErrorIs(t, err, ErrScreenshotRequired)

	_, err = h.submissions.CreateSubmission(ctx, CreateSubmissionRequest{OrderID: order.ID, UserID: "user-1", ScreenshotRef: "nowhere"})
	assert.ErrorIs(t, err, ErrScreenshotNotFound)

	h.submit(t, order, "first")
	_, err = h.submissions.CreateSubmission(ctx, CreateSubmissionRequest{OrderID: order.ID, UserID: "user-1", Screenshot: []byte("second")})
	assert.ErrorIs(t, err, ErrSubmissionInProgress)

	h.submissions.now = func() time.Time { return order.ExpiresAt }
	_, err = h.submissions.CreateSubmission(ctx, CreateSubmissionRequest{OrderID: order.ID, UserID: "user-1", Screenshot: []byte("late")})
	assert.ErrorIs(t, err, ErrOrderExpired)
}

func TestCreateSubmissionRejectsFulfilledOrder(t *testing.T) {
	h := newHarness(t)
	order := h.newOrder(t, "user-1", "1000", entities.PurposeTopUp, nil)
	require.Equal(t, entities.StatusApproved, h.process(t, h.submit(t, order, "paid").ID).Status)

	_, err := h.submissions.CreateSubmission(context.Background(), CreateSubmissionRequest{
		OrderID:    order.ID,
		UserID:     "user-1",
		Screenshot: []byte("again"),
	})
	assert.ErrorIs(t, err, ErrOrderFulfilled)
}

func TestCreateSubmissionByReference(t *testing.T) {
	h := newHarness(t)
	order := h.newOrder(t, "user-1", "1000", entities.PurposeTopUp, nil)
	ref, err := h.screenshots.Save(context.Background(), []byte("uploaded-elsewhere"))
	require.NoError(t, err)

	sub, err := h.submissions.CreateSubmission(context.Background(), CreateSubmissionRequest{
		OrderID:       order.ID,
		UserID:        "user-1",
		ScreenshotRef: ref,
	})
	require.NoError(t, err)
	assert.Equal(t, ref, sub.ScreenshotRef)
}

func TestUserViewHidesReviewInternals(t *testing.T) {
	sub := &entities.PaymentSubmission{
		ID:         "s",
		Status:     entities.StatusManualReview,
		FraudFlags: []entities.FraudFlag{{Rule: "DUPLICATE_IMAGE", Weight: 40}},
		FraudScore: 40,
		ExtractedProof: &entities.ExtractedProof{
			Amount:          pointy.Int64(100000),
			ReferenceNumber: pointy.String("1234567890123"),
		},
	}

	view := UserView(sub)
	assert.Contains(t, view.Message, "under review")
	assert.Empty(t, view.Flags)
	assert.Empty(t, view.Reasons)
	require.NotNil(t, view.Extracted)
	assert.Equal(t, "1000.00", view.Extracted.Amount)

	sub.Status = entities.StatusRejected
	sub.ValidationErrors = []string{"The same screenshot was already submitted for another payment."}
	view = UserView(sub)
	assert.Equal(t, []string{"DUPLICATE_IMAGE"}, view.Flags)
	assert.Equal(t, sub.ValidationErrors, view.Reasons)
}

func TestGetUserSubmissionScopesToOwner(t *testing.T) {
	h := newHarness(t)
	order := h.newOrder(t, "user-1", "1000", entities.PurposeTopUp, nil)
	sub := h.submit(t, order, "screenshot-a")

	view, err := h.submissions.GetUserSubmission(context.Background(), sub.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, entities.StatusPending, view.Status)

	_, err = h.submissions.GetUserSubmission(context.Background(), sub.ID, "user-2")
	assert.ErrorIs(t, err, ErrSubmissionNotFound)
	assert.True(t, IsNotFound(err))

	views, err := h.submissions.GetOrderSubmissions(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Len(t, views, 1)
}
