package scan

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mailguard_scan_jobs_submitted_total",
		Help: "Messages accepted into the scan queue",
	})

	jobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailguard_scan_jobs_dropped_total",
		Help: "Messages that did not enter the scan queue",
	}, []string{"reason"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailguard_scan_jobs_finished_total",
		Help: "Scan records that reached a terminal state",
	}, []string{"status", "risk_level"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mailguard_scan_queue_depth",
		Help: "Jobs waiting for a scan worker",
	})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailguard_scan_duration_seconds",
		Help:    "Time from dequeue to terminal record",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	})

	providerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailguard_provider_failures_total",
		Help: "Failed risk-check provider calls",
	}, []string{"provider"})
)
