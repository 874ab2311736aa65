package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulmark/payment-verifier/backend/internal/entities"
	"github.com/haulmark/payment-verifier/backend/internal/usecases"
)

type fakeOrders struct {
	lastReq usecases.CreateOrderRequest
	err     error
	order   *entities.PaymentOrder
}

func (f *fakeOrders) CreateOrder(_ context.Context, req usecases.CreateOrderRequest) (*usecases.PayTo, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &usecases.PayTo{
		Order:         &entities.PaymentOrder{ID: "order-1", UserID: req.UserID, Amount: 100000, Purpose: req.Purpose},
		AccountName:   "HAULMARK LOGISTICS INC.",
		AccountNumber: "09171234567",
		Amount:        "1000.00",
		QRPayload:     "haulmark://pay?ref=order-1",
	}, nil
}

func (f *fakeOrders) GetUserOrder(_ context.Context, id, userID string) (*entities.PaymentOrder, error) {
	if f.order == nil || f.order.ID != id || f.order.UserID != userID {
		return nil, usecases.ErrOrderNotFound
	}
	return f.order, nil
}

func (f *fakeOrders) GetUserOrders(context.Context, string) ([]entities.PaymentOrder, error) {
	return nil, nil
}

type fakeSubmissions struct {
	lastReq usecases.CreateSubmissionRequest
	err     error
	subs    map[string]*entities.PaymentSubmission
}

func (f *fakeSubmissions) CreateSubmission(_ context.Context, req usecases.CreateSubmissionRequest) (*entities.PaymentSubmission, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &entities.PaymentSubmission{ID: "sub-1", OrderID: req.OrderID, Status: entities.StatusPending}, nil
}

func (f *fakeSubmissions) GetSubmission(_ context.Context, id string) (*entities.PaymentSubmission, error) {
	sub, ok := f.subs[id]
	if !ok {
		return nil, usecases.ErrSubmissionNotFound
	}
	return sub, nil
}

func (f *fakeSubmissions) GetUserSubmission(ctx context.Context, id, userID string) (usecases.SubmissionView, error) {
	sub, err := f.GetSubmission(ctx, id)
	if err != nil {
		return usecases.SubmissionView{}, err
	}
	if sub.UserID != userID {
		return usecases.SubmissionView{}, usecases.ErrSubmissionNotFound
	}
	return usecases.UserView(sub), nil
}

func (f *fakeSubmissions) GetOrderSubmissions(context.Context, string) ([]usecases.SubmissionView, error) {
	return []usecases.SubmissionView{}, nil
}

type fakeReview struct {
	lastReq    usecases.ResolveRequest
	lastFilter entities.SubmissionFilter
	err        error
}

func (f *fakeReview) Resolve(_ context.Context, req usecases.ResolveRequest) (*entities.PaymentSubmission, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &entities.PaymentSubmission{ID: req.SubmissionID, Status: entities.StatusApproved}, nil
}

func (f *fakeReview) ReviewFeed(_ context.Context, filter entities.SubmissionFilter) ([]entities.PaymentSubmission, error) {
	f.lastFilter = filter
	return nil, nil
}

func (f *fakeReview) AuditTrail(context.Context, string) ([]entities.AuditRecord, error) {
	return nil, nil
}

type fakeWallets struct{}

func (fakeWallets) FindWallet(context.Context, string) (*entities.WalletAccount, error) {
	return nil, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type testAPI struct {
	router      *mux.Router
	orders      *fakeOrders
	submissions *fakeSubmissions
	review      *fakeReview
	manager     *Manager
}

func newTestAPI() *testAPI {
	api := &testAPI{
		router:      mux.NewRouter(),
		orders:      &fakeOrders{},
		submissions: &fakeSubmissions{subs: map[string]*entities.PaymentSubmission{}},
		review:      &fakeReview{},
		manager:     NewWebSocketManager(slog.Default(), []string{"*"}),
	}

	NewWebSocketHandler(slog.Default(), api.submissions, api.manager).RegisterRoutes(api.router)
	NewHTTPHandler(slog.Default(), api.orders, api.submissions, api.review, fakeWallets{}, fakePinger{}, 1<<20).
		RegisterRoutes(api.router)
	return api
}

func (api *testAPI) do(method, path, user, role string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	if role != "" {
		req.Header.Set(headerUserRole, role)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(data)
}

func TestCreateOrder(t *testing.T) {
	api := newTestAPI()

	rec := api.do("POST", "/orders", "user-1", "", jsonBody(t, map[string]any{"amount": " 1000.00 ", "purpose": "topup"}), "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)

	var payTo usecases.PayTo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payTo))
	assert.Equal(t, "order-1", payTo.Order.ID)
	assert.Equal(t, "1000.00", api.orders.lastReq.Amount)
	assert.Equal(t, "user-1", api.orders.lastReq.UserID)
}

func TestCreateOrderRequiresIdentity(t *testing.T) {
	api := newTestAPI()

	rec := api.do("POST", "/orders", "", "", jsonBody(t, map[string]any{"amount": "1000"}), "application/json")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: bad amount", usecases.ErrInvalidOrder), http.StatusBadRequest},
		{usecases.ErrOrderNotFound, http.StatusNotFound},
		{usecases.ErrOrderExpired, http.StatusGone},
		{usecases.ErrOrderFulfilled, http.StatusConflict},
		{usecases.ErrSubmissionInProgress, http.StatusConflict},
		{usecases.ErrScreenshotRequired, http.StatusBadRequest},
		{errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			api := newTestAPI()
			api.submissions.err = tc.err

			rec := api.do("POST", "/orders/order-1/submissions", "user-1", "", jsonBody(t, map[string]string{"screenshot_ref": "ref"}), "application/json")
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestCreateSubmissionByReference(t *testing.T) {
	api := newTestAPI()

	rec := api.do("POST", "/orders/order-9/submissions", "user-1", "", jsonBody(t, map[string]string{"screenshot_ref": "abc"}), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, "order-9", api.submissions.lastReq.OrderID)
	assert.Equal(t, "abc", api.submissions.lastReq.ScreenshotRef)
	assert.Contains(t, rec.Body.String(), `"status":"pending"`)
}

func TestCreateSubmissionMultipart(t *testing.T) {
	api := newTestAPI()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("screenshot", "receipt.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("image-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := api.do("POST", "/orders/order-1/submissions", "user-1", "", body, mw.FormDataContentType())
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []byte("image-bytes"), api.submissions.lastReq.Screenshot)
}

func TestGetOrderScopedToOwner(t *testing.T) {
	api := newTestAPI()
	api.orders.order = &entities.PaymentOrder{ID: "order-1", UserID: "user-1"}

	rec := api.do("GET", "/orders/order-1", "user-1", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do("GET", "/orders/order-1", "user-2", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSubmissionHidesInternals(t *testing.T) {
	api := newTestAPI()
	api.submissions.subs["sub-1"] = &entities.PaymentSubmission{
		ID: "sub-1", UserID: "user-1", Status: entities.StatusManualReview,
		FraudScore: 40, FraudFlags: []entities.FraudFlag{{Rule: "DUPLICATE_IMAGE", Weight: 40}},
	}

	rec := api.do("GET", "/submissions/sub-1", "user-1", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "under review")
	assert.NotContains(t, rec.Body.String(), "DUPLICATE_IMAGE")
	assert.NotContains(t, rec.Body.String(), "fraud_score")
}

func TestAdminRoutesRequireRole(t *testing.T) {
	api := newTestAPI()

	rec := api.do("GET", "/admin/submissions", "user-1", "", nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do("GET", "/admin/submissions", "", roleAdmin, nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do("GET", "/admin/submissions?status=manual_review&order_id=order-7&limit=10&offset=20", "rev-1", roleAdmin, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
	assert.Equal(t, entities.StatusManualReview, api.review.lastFilter.Status)
	assert.Equal(t, "order-7", api.review.lastFilter.OrderID)
	assert.Equal(t, uint64(10), api.review.lastFilter.Limit)
	assert.Equal(t, uint64(20), api.review.lastFilter.Offset)

	rec = api.do("GET", "/admin/submissions?limit=abc", "rev-1", roleAdmin, nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveSubmission(t *testing.T) {
	api := newTestAPI()

	rec := api.do("POST", "/admin/submissions/sub-1/reject", "rev-1", roleAdmin, jsonBody(t, map[string]string{"reason": "fake receipt", "notes": "edited"}), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, usecases.ResolveRequest{
		SubmissionID: "sub-1", ReviewerID: "rev-1", Decision: usecases.DecisionReject, Reason: "fake receipt", Notes: "edited",
	}, api.review.lastReq)

	rec = api.do("POST", "/admin/submissions/sub-1/approve", "rev-1", roleAdmin, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, usecases.DecisionApprove, api.review.lastReq.Decision)

	api.review.err = &entities.InvalidStateError{SubmissionID: "sub-1", Current: entities.StatusApproved, Target: entities.StatusRejected}
	rec = api.do("POST", "/admin/submissions/sub-1/reject", "rev-1", roleAdmin, jsonBody(t, map[string]string{"reason": "x"}), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)

	api.review.err = usecases.ErrReasonRequired
	rec = api.do("POST", "/admin/submissions/sub-1/reject", "rev-1", roleAdmin, nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWalletDefaultsToZero(t *testing.T) {
	api := newTestAPI()

	rec := api.do("GET", "/wallet", "user-1", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var wallet entities.WalletAccount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wallet))
	assert.Equal(t, "user-1", wallet.UserID)
	assert.Zero(t, wallet.Balance)
}

func TestHealth(t *testing.T) {
	api := newTestAPI()

	rec := api.do("GET", "/healthz", "", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebSocketStreamsStatusChanges(t *testing.T) {
	api := newTestAPI()
	sub := &entities.PaymentSubmission{ID: "sub-1", UserID: "user-1", Status: entities.StatusPending}
	api.submissions.subs["sub-1"] = sub

	server := httptest.NewServer(api.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/submissions/sub-1"
	header := http.Header{}
	header.Set(headerUserID, "user-1")

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var view usecases.SubmissionView
	require.NoError(t, conn.ReadJSON(&view))
	assert.Equal(t, entities.StatusPending, view.Status)

	require.Eventually(t, func() bool { return api.manager.subscriberCount("sub-1") == 1 }, time.Second, 5*time.Millisecond)

	updated := *sub
	updated.Status = entities.StatusRejected
	updated.ValidationErrors = []string{"unreadable image"}
	api.manager.NotifySubmission(context.Background(), &updated)

	require.NoError(t, conn.ReadJSON(&view))
	assert.Equal(t, entities.StatusRejected, view.Status)
	assert.Equal(t, []string{"unreadable image"}, view.Reasons)
}

func TestWebSocketRejectsOtherUsers(t *testing.T) {
	api := newTestAPI()
	api.submissions.subs["sub-1"] = &entities.PaymentSubmission{ID: "sub-1", UserID: "user-1"}

	server := httptest.NewServer(api.router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/submissions/sub-1"
	header := http.Header{}
	header.Set(headerUserID, "user-2")

	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
