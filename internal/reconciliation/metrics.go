package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "combinado",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "combinado",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation runs that could not read the ledger.",
	})
)

func init() {
	prometheus.MustRegister(runDuration, runErrors)
}
