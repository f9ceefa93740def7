package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RegionMutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zov_region_mutations_total",
		Help: "Committed region store mutations by operation",
	}, []string{"op"})
	RegionCommitFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zov_region_commit_failures_total",
		Help: "Region store commits that failed after retries",
	})
	LaunchTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zov_launch_transitions_total",
		Help: "Launch record transitions by target state",
	}, []string{"state"})
	LaunchRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zov_launch_rejections_total",
		Help: "Launch requests or confirmations rejected, by reason",
	}, []string{"reason"})
	RouteQueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zov_route_queries_total",
		Help: "Optimal route queries by outcome",
	}, []string{"outcome"})
	RouteCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zov_route_cache_hits_total",
		Help: "Route cache hits",
	})
	RouteCacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zov_route_cache_misses_total",
		Help: "Route cache misses",
	})
	DeltasPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zov_deltas_published_total",
		Help: "Deltas published to the hub by entity type",
	}, []string{"entity"})
	DeltasDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zov_deltas_dropped_total",
		Help: "Deltas dropped from full subscriber queues",
	})
	ResyncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zov_resyncs_total",
		Help: "Snapshots sent to subscribers by cause",
	}, []string{"cause"})
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zov_subscribers",
		Help: "Connected realtime subscribers",
	})
	HTTPDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zov_http_request_duration_ms",
		Help:    "HTTP request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
	}, []string{"method", "status"})
)

func init() {
	prometheus.MustRegister(RegionMutationsTotal)
	prometheus.MustRegister(RegionCommitFailuresTotal)
	prometheus.MustRegister(LaunchTransitionsTotal)
	prometheus.MustRegister(LaunchRejectionsTotal)
	prometheus.MustRegister(RouteQueriesTotal)
	prometheus.MustRegister(RouteCacheHitsTotal)
	prometheus.MustRegister(RouteCacheMissesTotal)
	prometheus.MustRegister(DeltasPublishedTotal)
	prometheus.MustRegister(DeltasDroppedTotal)
	prometheus.MustRegister(ResyncsTotal)
	prometheus.MustRegister(Subscribers)
	prometheus.MustRegister(HTTPDurationMs)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler { return promhttp.Handler() }
