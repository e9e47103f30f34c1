// Package metrics holds the Prometheus collectors shared by the host and the
// service states. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service-state collectors.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
	OutcomesTotal *prometheus.CounterVec
	PublishTotal  *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "service_state_requests_total",
				Help: "Inbound endpoint requests by endpoint and HTTP status code.",
			},
			[]string{"endpoint", "code"},
		),
		OutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "service_state_outcomes_total",
				Help: "Terminal outcomes returned by Execute, by endpoint.",
			},
			[]string{"endpoint", "outcome"},
		),
		PublishTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "service_state_publish_total",
				Help: "Status messages published, by channel and result.",
			},
			[]string{"channel", "result"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.RequestsTotal, m.OutcomesTotal, m.PublishTotal)
	}
	return m
}

func (m *Metrics) ObserveRequest(endpoint string, code int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

func (m *Metrics) ObserveOutcome(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) ObservePublish(channel string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PublishTotal.WithLabelValues(channel, result).Inc()
}
