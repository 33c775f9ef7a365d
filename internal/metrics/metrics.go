// Package metrics holds the Prometheus collectors for the service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	gatherer prometheus.Gatherer

	PageFetches        *prometheus.CounterVec
	PairingResults     *prometheus.CounterVec
	InvitationEvents   *prometheus.CounterVec
	SubmissionsCreated prometheus.Counter
	HTTPDuration       *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		PageFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "freya_page_fetches_total",
			Help: "Ticket page reads by outcome (hit, miss, refresh, error)",
		}, []string{"result"}),
		PairingResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "freya_pairing_results_total",
			Help: "Pairing handshake outcomes",
		}, []string{"result"}),
		InvitationEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "freya_invitation_events_total",
			Help: "Administrator invitation lifecycle events",
		}, []string{"event"}),
		SubmissionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "freya_submissions_created_total",
			Help: "Total number of submissions created",
		}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "freya_http_request_duration_seconds",
			Help:    "Latency of inbound HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) PageFetch(result string) {
	if m == nil {
		return
	}
	m.PageFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) Pairing(result string) {
	if m == nil {
		return
	}
	m.PairingResults.WithLabelValues(result).Inc()
}

func (m *Metrics) Invitation(event string) {
	if m == nil {
		return
	}
	m.InvitationEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SubmissionCreated() {
	if m == nil {
		return
	}
	m.SubmissionsCreated.Inc()
}

func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, status).Observe(seconds)
}
