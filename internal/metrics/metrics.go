package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Cycles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tgharvest_cycles_total",
		Help: "Total crawl cycles started",
	})
	GroupsJoined = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tgharvest_groups_joined_total",
		Help: "Total destinations joined",
	})
	MessagesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tgharvest_messages_ingested_total",
		Help: "Total job messages persisted",
	}, []string{"job_type"})
	FloodWaits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tgharvest_flood_waits_total",
		Help: "Total server-mandated flood waits honored",
	})
	DestinationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tgharvest_destination_errors_total",
		Help: "Total destinations that failed a pass",
	})
	APIRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tgharvest_api_retries_total",
		Help: "Total gateway retry attempts",
	}, []string{"endpoint"})
	StoreRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tgharvest_store_retries_total",
		Help: "Total write retries due to store lock contention",
	})
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tgharvest_cycle_duration_seconds",
		Help:    "Crawl cycle duration seconds",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})
	CommandRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tgharvest_command_runs_total",
		Help: "Total CLI command invocations",
	}, []string{"command"})
	CommandErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tgharvest_command_errors_total",
		Help: "Total CLI command failures",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(
		Cycles, GroupsJoined, MessagesIngested, FloodWaits, DestinationErrors,
		APIRetries, StoreRetries, CycleDuration, CommandRuns, CommandErrors,
	)
}

// StartServer starts a metrics HTTP server on addr (e.g., ":9090").
func StartServer(addr string) {
	if addr == "" {
		addr = os.Getenv("METRICS_ADDR")
	}
	if addr == "" {
		return
	}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	go func() { _ = http.ListenAndServe(addr, nil) }()
}

// ObserveCycleDuration records a full crawl cycle duration.
func ObserveCycleDuration(start time.Time) {
	CycleDuration.Observe(time.Since(start).Seconds())
}

// IncAPIRetry increments the retry counter for an endpoint.
func IncAPIRetry(endpoint string) { APIRetries.WithLabelValues(endpoint).Inc() }

func IncCommandRun(cmd string)   { CommandRuns.WithLabelValues(cmd).Inc() }
func IncCommandError(cmd string) { CommandErrors.WithLabelValues(cmd).Inc() }
