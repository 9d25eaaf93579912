package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Optimizations counts optimize cycles by outcome (committed, noop, conflict, upstream, solver, ...)
	Optimizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimize_total", Help: "Optimize cycles by outcome."},
		[]string{"outcome"},
	)
	// OptimizeDuration tracks wall time of optimize cycles
	OptimizeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "optimize_duration_seconds", Help: "Optimize cycle duration in seconds.", Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 20, 30}},
		[]string{"outcome"},
	)
	MatrixRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "matrix_requests_total", Help: "Routing engine matrix requests by outcome."},
		[]string{"outcome"},
	)
	RouteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "route_requests_total", Help: "Routing engine route requests by outcome."},
		[]string{"outcome"},
	)
	MatrixCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "matrix_cache_total", Help: "Matrix cache lookups by result."},
		[]string{"result"},
	)
	SolverRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "solver_runs_total", Help: "Tour solver runs by solver and outcome."},
		[]string{"solver", "outcome"},
	)
	// PendingPickups is the size of each zone's pending set
	PendingPickups = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "pending_pickups", Help: "Unassigned pickups per zone."},
		[]string{"zone"},
	)
	// TriggeredOptimizations counts admission-triggered optimizations by result (started, skipped, saturated)
	TriggeredOptimizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "triggered_optimizations_total", Help: "Optimizations started by pickup admission."},
		[]string{"result"},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(Optimizations)
		Registry.MustRegister(OptimizeDuration)
		Registry.MustRegister(MatrixRequests)
		Registry.MustRegister(RouteRequests)
		Registry.MustRegister(MatrixCache)
		Registry.MustRegister(SolverRuns)
		Registry.MustRegister(PendingPickups)
		Registry.MustRegister(TriggeredOptimizations)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
