package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Total number of code executions by outcome",
		},
		[]string{"language", "outcome"}, // outcome: "ok", or a runner error kind
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_duration_ms",
			Help:    "Sandbox run duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
		[]string{"language"},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_executions_in_flight",
			Help: "Number of executions currently holding a sandbox slot",
		},
	)

	AdmissionWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_admission_wait_ms",
			Help:    "Time spent waiting for a sandbox slot",
			Buckets: []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
	)

	CleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_workspace_cleanup_failures_total",
			Help: "Total number of workspaces that could not be removed",
		},
	)

	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runbox_quota_rejections_total",
			Help: "Total number of executions rejected by the caller quota",
		},
	)
)
