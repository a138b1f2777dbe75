package chatlist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wpphub",
		Subsystem: "chatlist",
		Name:      "cache_hits_total",
		Help:      "Chat list requests served from the per-instance cache.",
	}, []string{"instance"})
	metricSharedWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wpphub",
		Subsystem: "chatlist",
		Name:      "shared_waits_total",
		Help:      "Chat list requests that joined an in-flight fetch.",
	}, []string{"instance"})
	metricAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wpphub",
		Subsystem: "chatlist",
		Name:      "fetch_attempts_total",
		Help:      "Driver chat list fetch attempts by outcome.",
	}, []string{"instance", "outcome"})
	metricRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wpphub",
		Subsystem: "chatlist",
		Name:      "restarts_total",
		Help:      "Instance restarts triggered by a lost driver context.",
	}, []string{"instance"})
	metricFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wpphub",
		Subsystem: "chatlist",
		Name:      "store_fallbacks_total",
		Help:      "Chat lists served from the store after the driver failed.",
	}, []string{"instance"})
	metricFetchSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wpphub",
		Subsystem: "chatlist",
		Name:      "fetch_seconds",
		Help:      "Wall time of a full chat list load, retries included.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"instance"})
)
