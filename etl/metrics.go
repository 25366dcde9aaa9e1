package etl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics, exposed on the health server's /metrics endpoint
var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_runs_total",
		Help: "Total pipeline runs by final state",
	}, []string{"stream", "result"})

	recordsExtracted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_records_extracted_total",
		Help: "Raw records pulled from sources",
	}, []string{"stream"})

	recordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_records_rejected_total",
		Help: "Records excluded by data quality rules or dimension misses",
	}, []string{"stream", "reason"})

	rowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "etl_rows_written_total",
		Help: "Warehouse rows written by operation (insert, update, noop)",
	}, []string{"stream", "op"})

	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "etl_run_duration_seconds",
		Help:    "End-to-end batch duration",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"stream"})

	streamHalted = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "etl_stream_halted",
		Help: "1 while a stream is halted on schema drift",
	}, []string{"stream"})
)

func observeRun(audit RunAudit, seconds float64) {
	result := "committed"
	if audit.State != StateCommitted {
		result = "rolled_back"
	}
	runsTotal.WithLabelValues(audit.Stream, result).Inc()
	recordsExtracted.WithLabelValues(audit.Stream).Add(float64(audit.Extracted))
	for _, rej := range audit.Rejections {
		recordsRejected.WithLabelValues(audit.Stream, string(rej.Reason)).Inc()
	}
	rowsWritten.WithLabelValues(audit.Stream, "insert").Add(float64(audit.Inserted))
	rowsWritten.WithLabelValues(audit.Stream, "update").Add(float64(audit.Updated))
	rowsWritten.WithLabelValues(audit.Stream, "noop").Add(float64(audit.NoOps))
	runDuration.WithLabelValues(audit.Stream).Observe(seconds)
}
