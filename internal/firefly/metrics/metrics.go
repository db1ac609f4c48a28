package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/fireflyhq/firefly/internal/common/health"
)

const MetricPrefix = "firefly_"

var (
	RunsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: MetricPrefix + "runs_started_total",
		Help: "Number of test runs handed to the coordinator",
	})

	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricPrefix + "runs_finished_total",
		Help: "Number of test runs that reached a terminal status",
	}, []string{"status"})

	StageResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricPrefix + "stage_results_total",
		Help: "Number of stage results recorded by stage and status",
	}, []string{"stage", "status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    MetricPrefix + "stage_duration_seconds",
		Help:    "Duration of hook stages",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	}, []string{"stage"})

	WorkersDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: MetricPrefix + "load_test_workers_dispatched_total",
		Help: "Number of load test worker jobs dispatched to the worker pool",
	})

	CapacityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: MetricPrefix + "load_test_capacity_rejections_total",
		Help: "Number of load test start or rescale requests rejected for lack of worker pool capacity",
	})

	ScriptsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: MetricPrefix + "scripts_started_total",
		Help: "Number of script executions created",
	})

	ScriptsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: MetricPrefix + "scripts_finished_total",
		Help: "Number of script executions that reached a terminal status",
	}, []string{"status"})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: MetricPrefix + "active_subscriptions",
		Help: "Number of event channel proxies currently running",
	})
)

func ObserveStage(stage string, status string, started time.Time) {
	StageResults.WithLabelValues(stage, status).Inc()
	StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

// ServeMetrics exposes /metrics and /health on the given port. The returned function shuts the server down.
func ServeMetrics(port uint16, checker health.Checker) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if checker != nil {
		health.SetupHttpMux(mux, checker)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Infof("Serving metrics on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	return func() {
		if err := srv.Close(); err != nil {
			log.WithError(err).Warn("Failed to close metrics server cleanly")
		}
	}
}
