package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/Phoenix/pkg/logger"
)

// Registry holds every supervisor metric. It is separate from the default
// registry so tests can scrape it without global collisions.
var Registry = prometheus.NewRegistry()

var (
	// WorkerLaunches counts worker process launches.
	WorkerLaunches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phoenix_worker_launches_total",
		Help: "Total number of worker launches",
	})
	// WorkerExits counts worker exits, partitioned by the decision taken
	// (redeploy, quit, unclean, unrecognized).
	WorkerExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phoenix_worker_exits_total",
		Help: "Total number of worker exits by outcome",
	}, []string{"outcome"})
	// Deploys counts deployment steps by mode and result.
	Deploys = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phoenix_deploys_total",
		Help: "Total number of deployment steps",
	}, []string{"mode", "result"})
	// DeployDuration tracks how long deployment steps take in seconds.
	DeployDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phoenix_deploy_duration_seconds",
		Help:    "Time taken by the deployment step",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"mode"})
	// SourceUpdateFailures counts failed source updates.
	SourceUpdateFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phoenix_source_update_failures_total",
		Help: "Total number of failed source updates",
	})
	// ConsecutiveFailures is the current run of unclean exits.
	ConsecutiveFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "phoenix_consecutive_unclean_exits",
		Help: "Unclean worker exits since the last clean redeploy",
	})
	// LoopState is 1 for the control loop's current state and 0 otherwise.
	LoopState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "phoenix_loop_state",
		Help: "Current state of the supervisor control loop",
	}, []string{"state"})
)

func init() {
	Registry.MustRegister(
		WorkerLaunches,
		WorkerExits,
		Deploys,
		DeployDuration,
		SourceUpdateFailures,
		ConsecutiveFailures,
		LoopState,
	)
}

// SetState marks state as the current loop state.
func SetState(from, to string) {
	if from != "" {
		LoopState.WithLabelValues(from).Set(0)
	}
	LoopState.WithLabelValues(to).Set(1)
}

// Handler serves the supervisor's metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InitMetrics starts an HTTP server exposing /metrics on addr (e.g. ":9090").
// An empty addr disables the endpoint.
func InitMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	go func() {
		logger.Log.Info("Metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
}

// Personal.AI order the ending
