package database

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	operationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubegame_database_operation_total",
			Help: "Total number of database operations by operation and result.",
		},
		[]string{"operation", "result"},
	)

	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubegame_database_operation_duration_seconds",
			Help:    "Latency of database operations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	openPools = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubegame_database_open_pools",
			Help: "Number of cached per-Game connection pools.",
		},
	)
)

func init() {
	metrics.Registry.MustRegister(operationTotal, operationDuration, openPools)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}
