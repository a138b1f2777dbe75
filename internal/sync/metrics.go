package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "wpphub",
	Subsystem: "ingest",
	Name:      "queue_depth",
	Help:      "Inbound messages waiting for ingestion.",
})
