package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratewatch_jobs_enqueued_total", Help: "Jobs sent to the queue"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratewatch_jobs_succeeded_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratewatch_jobs_retried_total", Help: "Jobs redelivered after a transient failure"})
	JobsDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratewatch_jobs_dropped_total", Help: "Jobs dropped after exhausting attempts"})
	JobsMalformed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratewatch_jobs_malformed_total", Help: "Queue messages rejected by shape validation"})
	RowsWritten      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratewatch_rate_rows_written_total", Help: "Rate rows upserted"})
	LockContention   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratewatch_lock_contention_total", Help: "Run-lock acquisitions lost to a live owner"})
	BackfillClaims   = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratewatch_backfill_claims_total", Help: "Backfill day leases claimed"})
	BackfillRaces    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratewatch_backfill_claim_races_total", Help: "Backfill claims lost to a concurrent scheduler"})
	CoverageTicks    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratewatch_coverage_ticks_total", Help: "Coverage cursor ticks executed"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ratewatch_queue_depth", Help: "Ready queue depth"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsSucceeded,
			JobsRetried,
			JobsDropped,
			JobsMalformed,
			RowsWritten,
			LockContention,
			BackfillClaims,
			BackfillRaces,
			CoverageTicks,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
