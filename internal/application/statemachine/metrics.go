package statemachine

import "github.com/prometheus/client_golang/prometheus"

// Metrics are shared by all processors of a replica and labelled by machine name.
type Metrics struct {
	leased   *prometheus.CounterVec
	stale    *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates processor metrics and registers them with reg when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		leased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_statemachine_leased_total",
			Help: "Entities leased for processing",
		}, []string{"machine"}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_statemachine_stale_results_total",
			Help: "Handler results dropped because the lease was taken over while the handler ran",
		}, []string{"machine"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_statemachine_outcomes_total",
			Help: "Handler outcomes by state and kind",
		}, []string{"machine", "state", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "connector_statemachine_handler_duration_seconds",
			Help:    "Time spent in state handlers",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"machine", "state"}),
	}
	if reg != nil {
		reg.MustRegister(m.leased, m.stale, m.outcomes, m.duration)
	}
	return m
}
