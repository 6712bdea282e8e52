// Package metrics exposes billing processing metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dmitrymomot/billingsync/pkg/billing"
)

const namespace = "billingsync"

// Metrics implements billing.Observer on a Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal       *prometheus.CounterVec
	EventDuration     *prometheus.HistogramVec
	OrphansTotal      *prometheus.CounterVec
	ConflictsTotal    *prometheus.CounterVec
	RedriveTotal      *prometheus.CounterVec
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

var _ billing.Observer = (*Metrics)(nil)

// New creates the collectors and registers them on a fresh registry together
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Billing events processed, by event type and outcome.",
			},
			[]string{"event_type", "status"},
		),
		EventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "event_duration_seconds",
				Help:      "Time spent processing one billing event.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		OrphansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orphans_total",
				Help:      "Events parked because no account could be resolved.",
			},
			[]string{"reason"},
		),
		ConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_total",
				Help:      "Account resolution conflicts reported.",
			},
			[]string{"reason"},
		),
		RedriveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redrive_total",
				Help:      "Orphaned events handled by the redriver, by outcome.",
			},
			[]string{"outcome"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests served, by route and status code.",
			},
			[]string{"method", "route", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsTotal,
		m.EventDuration,
		m.OrphansTotal,
		m.ConflictsTotal,
		m.RedriveTotal,
		m.HTTPRequestsTotal,
		m.HTTPDuration,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveEvent(eventType billing.EventType, status billing.Status, d time.Duration) {
	label := eventTypeLabel(eventType)
	m.EventsTotal.WithLabelValues(label, string(status)).Inc()
	m.EventDuration.WithLabelValues(label).Observe(d.Seconds())
}

func (m *Metrics) ObserveOrphan(reason string) {
	m.OrphansTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveConflict(reason string) {
	m.ConflictsTotal.WithLabelValues(reason).Inc()
}

// ObserveRedrive records the outcome counts of one redrive pass.
func (m *Metrics) ObserveRedrive(stats billing.RedriveStats) {
	m.RedriveTotal.WithLabelValues("resolved").Add(float64(stats.Resolved))
	m.RedriveTotal.WithLabelValues("rescheduled").Add(float64(stats.Rescheduled))
	m.RedriveTotal.WithLabelValues("abandoned").Add(float64(stats.Abandoned))
	m.RedriveTotal.WithLabelValues("skipped").Add(float64(stats.Skipped))
}

// Middleware records request counts and latency labelled by the chi route
// pattern, so path parameters do not blow up label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		m.HTTPDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Provider event types outside the known families are collapsed into one
// label value.
func eventTypeLabel(t billing.EventType) string {
	if t.Family() == billing.FamilyUnknown {
		return "other"
	}
	return string(t)
}
