package webhook_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/handler"
	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/billing/memstore"
	"github.com/dmitrymomot/billingsync/pkg/billing/paddle"
	"github.com/dmitrymomot/billingsync/svc/webhook"
)

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) ProcessEvent(ctx context.Context, env billing.Envelope) (billing.Result, error) {
	args := m.Called(ctx, env)
	return args.Get(0).(billing.Result), args.Error(1)
}

type stubVerifier struct {
	env billing.Envelope
	err error
}

func (s stubVerifier) Envelope(*http.Request) (billing.Envelope, error) {
	return s.env, s.err
}

var testEnvelope = billing.Envelope{
	EventID:     "evt_1",
	EventType:   billing.EventSubscriptionActive,
	Data:        json.RawMessage(`{"id":"sub_1"}`),
	ProcessedAt: "2026-03-01T12:00:00Z",
}

func quiet() webhook.Option {
	return webhook.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func post(t *testing.T, h http.Handler, body, signature string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	if signature != "" {
		r.Header.Set(paddle.SignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

type body struct {
	Data  map[string]string    `json:"data"`
	Error *handler.ErrorDetail `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) body {
	t.Helper()
	var out body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewHandlerPanicsWithoutDependencies(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { webhook.NewHandler(nil, stubVerifier{}) })
	assert.Panics(t, func() { webhook.NewHandler(&mockProcessor{}, nil) })
}

func TestHandlerStatusCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		result   billing.Result
		err      error
		wantCode int
		wantData map[string]string
		wantErr  *handler.ErrorDetail
	}{
		{
			name:     "processed",
			result:   billing.Result{Status: billing.StatusProcessed},
			wantCode: http.StatusOK,
			wantData: map[string]string{"status": "processed", "event_id": "evt_1"},
		},
		{
			name:     "duplicate",
			result:   billing.Result{Status: billing.StatusAlreadyProcessed},
			wantCode: http.StatusOK,
			wantData: map[string]string{"status": "already_processed", "event_id": "evt_1"},
		},
		{
			name:     "parked",
			result:   billing.Result{Status: billing.StatusUserNotFound},
			wantCode: http.StatusOK,
			wantData: map[string]string{"status": "user_not_found", "event_id": "evt_1"},
		},
		{
			name:     "transient failure",
			result:   billing.Result{Status: billing.StatusFailed},
			err:      errors.Join(billing.ErrTransient, errors.New("connection reset")),
			wantCode: http.StatusServiceUnavailable,
			wantData: map[string]string{"status": "failed", "event_id": "evt_1"},
			wantErr:  &handler.ErrorDetail{Code: "service_unavailable", Message: "temporarily unavailable"},
		},
		{
			name:     "in flight elsewhere",
			result:   billing.Result{Status: billing.StatusInFlight},
			wantCode: http.StatusOK,
			wantData: map[string]string{"status": "in_flight", "event_id": "evt_1"},
		},
		{
			name:     "deadline exceeded",
			result:   billing.Result{Status: billing.StatusFailed},
			err:      fmt.Errorf("process event: %w", context.DeadlineExceeded),
			wantCode: http.StatusServiceUnavailable,
			wantData: map[string]string{"status": "failed", "event_id": "evt_1"},
			wantErr:  &handler.ErrorDetail{Code: "service_unavailable", Message: "temporarily unavailable"},
		},
		{
			name:     "permanent failure is acked",
			result:   billing.Result{Status: billing.StatusFailed},
			err:      fmt.Errorf("%w: missing subscription id", billing.ErrInvalidPayload),
			wantCode: http.StatusOK,
			wantData: map[string]string{"status": "failed", "event_id": "evt_1"},
			wantErr:  &handler.ErrorDetail{Code: "permanent_failure", Message: "permanent failure"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			proc := &mockProcessor{}
			proc.On("ProcessEvent", mock.Anything, testEnvelope).Return(tt.result, tt.err).Once()
			h := webhook.NewHandler(proc, stubVerifier{env: testEnvelope}, quiet())

			rec := post(t, h, "{}", "")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
			got := decode(t, rec)
			assert.Equal(t, tt.wantData, got.Data)
			assert.Equal(t, tt.wantErr, got.Error)
			proc.AssertExpectations(t)
		})
	}
}

func TestHandlerVerificationFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
		wantKey  string
	}{
		{"bad signature", paddle.ErrInvalidSignature, http.StatusUnauthorized, "unauthorized"},
		{"too large", paddle.ErrBodyTooLarge, http.StatusRequestEntityTooLarge, "request_entity_too_large"},
		{"malformed", fmt.Errorf("%w: not json", paddle.ErrMalformedEvent), http.StatusBadRequest, "bad_request"},
		{"read error", io.ErrUnexpectedEOF, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			proc := &mockProcessor{}
			h := webhook.NewHandler(proc, stubVerifier{err: tt.err}, quiet())

			rec := post(t, h, "{}", "")
			assert.Equal(t, tt.wantCode, rec.Code)
			got := decode(t, rec)
			require.NotNil(t, got.Error)
			assert.Equal(t, tt.wantKey, got.Error.Code)
			assert.Equal(t, http.StatusText(tt.wantCode), got.Error.Message)
			assert.Nil(t, got.Data)
			proc.AssertNotCalled(t, "ProcessEvent", mock.Anything, mock.Anything)
		})
	}
}

const webhookSecret = "pdl_ntfset_webhook_test"

func sign(body string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(ts + ":" + body))
	return fmt.Sprintf("ts=%s;h1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestPaddleActivationEndToEnd(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	store.PutAccount(billing.Account{UserID: "user-1", Email: "alice@example.com"})

	catalog, err := billing.NewCatalog(map[string]billing.PlanType{"pro_monthly": billing.PlanMonthly}, 10000, true)
	require.NoError(t, err)
	proc := billing.NewProcessor(store.Stores(), catalog,
		billing.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	verifier, err := paddle.NewVerifier(paddle.Config{WebhookSecret: webhookSecret})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Mount("/webhooks/paddle", webhook.NewHandler(proc, verifier, quiet()).Routes())

	body := `{
		"event_id": "evt_paddle_1",
		"event_type": "subscription.activated",
		"occurred_at": "2026-03-01T12:00:00Z",
		"data": {
			"id": "sub_1",
			"status": "active",
			"customer_id": "ctm_1",
			"currency_code": "USD",
			"custom_data": {"user_id": "user-1"},
			"items": [{"quantity": 1, "price": {"product_id": "pro_monthly", "unit_price": {"amount": "2900"}}}],
			"current_billing_period": {"ends_at": "2026-04-01T12:00:00Z"}
		}
	}`

	send := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", strings.NewReader(body))
		req.Header.Set(paddle.SignatureHeader, signature)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := send(sign(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "processed", decode(t, rec).Data["status"])

	acct, err := store.FindByUserID(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ctm_1", acct.ProviderCustomerID)
	assert.Equal(t, "sub_1", acct.SubscriptionID)
	assert.Equal(t, billing.PlanMonthly, acct.PlanType)
	assert.Equal(t, billing.StateActive, acct.SubscriptionStatus)
	assert.Equal(t, billing.EntitlementPaid, acct.Entitlement)

	rec = send(sign(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_processed", decode(t, rec).Data["status"])

	rec = send("ts=1;h1=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerCustomErrorHandler(t *testing.T) {
	t.Parallel()

	var got error
	onError := func(w http.ResponseWriter, _ *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusTeapot)
	}
	h := webhook.NewHandler(&mockProcessor{}, stubVerifier{err: paddle.ErrInvalidSignature}, quiet(), webhook.WithErrorHandler(onError))

	rec := post(t, h, "{}", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.ErrorIs(t, got, paddle.ErrInvalidSignature)
	assert.ErrorIs(t, got, handler.ErrUnauthorized)
}
