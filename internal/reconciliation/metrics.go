package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealpact",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Deals whose ledger status could not be applied in the last sweep.",
	})

	reconcileChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dealpact",
		Subsystem: "reconciliation",
		Name:      "deals_checked",
		Help:      "Deals read from the ledger in the last sweep.",
	})

	readFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealpact",
		Subsystem: "reconciliation",
		Name:      "read_failures_total",
		Help:      "Total ledger reads that failed or timed out during sweeps.",
	})

	applied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dealpact",
		Subsystem: "reconciliation",
		Name:      "applied_total",
		Help:      "Changes applied by sweeps, by kind.",
	}, []string{"kind"})

	skippedTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealpact",
		Subsystem: "reconciliation",
		Name:      "skipped_ticks_total",
		Help:      "Ticks skipped because the previous sweep was still running.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dealpact",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dealpact",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation step errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileChecked,
		readFailures,
		applied,
		skippedTicks,
		reconcileDuration,
		reconcileErrors,
	)
}

func record(r *Report) {
	reconcileMismatches.Set(float64(r.Mismatches))
	reconcileChecked.Set(float64(r.Checked))
	reconcileDuration.Observe(r.Duration.Seconds())
	if r.Errors > 0 {
		reconcileErrors.Add(float64(r.Errors))
	}
}
