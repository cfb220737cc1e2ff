package manager

import "github.com/prometheus/client_golang/prometheus"

// QueryCount counts federated operations by the location that answered them.
var QueryCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "featureindex",
	Subsystem: "manager",
	Name:      "queries",
	Help:      "Federated operations answered, by serving location.",
}, []string{"table", "operation", "kind"})

// FallbackCount counts operations answered by the table scan.
var FallbackCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "featureindex",
	Subsystem: "manager",
	Name:      "manual_fallbacks",
	Help:      "Operations that fell back to a full table scan.",
}, []string{"table", "operation"})

// BackendErrors counts failed index checks and backend operations.
var BackendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "featureindex",
	Subsystem: "manager",
	Name:      "backend_errors",
	Help:      "Index checks and operations that failed on a backend.",
}, []string{"table", "operation", "kind"})

// RowsIndexed counts rows written by bulk indexing.
var RowsIndexed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "featureindex",
	Subsystem: "manager",
	Name:      "rows_indexed",
	Help:      "Rows written by bulk indexing.",
}, []string{"table", "kind"})

// IndexDuration observes how long bulk indexing runs take.
var IndexDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "featureindex",
	Subsystem: "manager",
	Name:      "index_duration_seconds",
	Help:      "Duration of bulk indexing runs.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
}, []string{"table", "kind"})

// Collectors returns every manager metric for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{QueryCount, FallbackCount, BackendErrors, RowsIndexed, IndexDuration}
}
