package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/billing"
	"github.com/dmitrymomot/billingsync/pkg/metrics"
)

func TestObserveEvent(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.ObserveEvent(billing.EventSubscriptionActive, billing.StatusProcessed, 20*time.Millisecond)
	m.ObserveEvent(billing.EventSubscriptionActive, billing.StatusProcessed, 30*time.Millisecond)
	m.ObserveEvent(billing.EventSubscriptionActive, billing.StatusAlreadyProcessed, time.Millisecond)
	m.ObserveEvent("address.created", billing.StatusUnhandled, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("subscription.active", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("subscription.active", "already_processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsTotal.WithLabelValues("other", "unhandled")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.EventDuration))
}

func TestObserveOrphansAndConflicts(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.ObserveOrphan("user_not_found")
	m.ObserveOrphan("user_not_found")
	m.ObserveConflict("customer_id_mismatch")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OrphansTotal.WithLabelValues("user_not_found")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("customer_id_mismatch")))
}

func TestObserveRedrive(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.ObserveRedrive(billing.RedriveStats{Due: 6, Resolved: 3, Rescheduled: 2, Abandoned: 1})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.RedriveTotal.WithLabelValues("resolved")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RedriveTotal.WithLabelValues("rescheduled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RedriveTotal.WithLabelValues("abandoned")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.RedriveTotal.WithLabelValues("skipped")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Post("/webhooks/{provider}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	for range 3 {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/paddle", nil))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "/webhooks/{provider}", "202")))

	m.ObserveEvent(billing.EventPaymentSucceeded, billing.StatusProcessed, time.Millisecond)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `billingsync_events_total{event_type="payment.succeeded",status="processed"} 1`)
	assert.Contains(t, body, "billingsync_http_requests_total")
	assert.Contains(t, body, "go_goroutines")
}
