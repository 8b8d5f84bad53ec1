// Package metrics exposes Prometheus collectors for the pipeline. The
// /metrics endpoint serves the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsTotal counts pipeline runs by terminal status.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "multichat",
		Name:      "runs_total",
		Help:      "Pipeline runs by terminal status.",
	}, []string{"status"})

	// InterruptsTotal counts runs paused for human approval.
	InterruptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "multichat",
		Name:      "interrupts_total",
		Help:      "Runs paused before a flagged node.",
	})

	// ApprovalsTotal counts human decisions on pending actions.
	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "multichat",
		Name:      "approvals_total",
		Help:      "Pending action decisions by outcome.",
	}, []string{"decision"})

	// RunDuration observes end-to-end run latency in seconds.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "multichat",
		Name:      "run_duration_seconds",
		Help:      "End-to-end pipeline run latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
