package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds execution and provider counters for one CLI invocation.
type Metrics struct {
	registry *prometheus.Registry

	StepsTotal       *prometheus.CounterVec
	ConfirmLatency   *prometheus.HistogramVec
	ProviderRequests *prometheus.CounterVec
	FallbacksTotal   *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payyield_steps_total",
				Help: "Execution steps by type and final status",
			},
			[]string{"type", "status"},
		),
		ConfirmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "payyield_step_confirm_seconds",
				Help:    "Time from broadcast to receipt per step type",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"type"},
		),
		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payyield_provider_requests_total",
				Help: "Quote provider requests by provider and outcome",
			},
			[]string{"provider", "status"},
		),
		FallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payyield_swap_fallbacks_total",
				Help: "Swaps routed to the exchange router after an aggregator miss",
			},
			[]string{"operation"},
		),
	}
}

func (m *Metrics) RecordStep(stepType, status string) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(stepType, status).Inc()
}

func (m *Metrics) RecordConfirmLatency(stepType string, seconds float64) {
	if m == nil {
		return
	}
	m.ConfirmLatency.WithLabelValues(stepType).Observe(seconds)
}

func (m *Metrics) RecordProvider(provider string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProviderRequests.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordFallback(operation string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
