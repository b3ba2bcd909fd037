package controllers

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	kubegameControllerReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubegame_controller_reconcile_total",
			Help: "Number of reconciliations by controller.",
		},
		[]string{"controller"},
	)
	kubegameControllerReconcileErrorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubegame_controller_reconcile_error_total",
			Help: "Number of reconciliation errors by controller.",
		},
		[]string{"controller"},
	)
	kubegameControllerReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubegame_controller_reconcile_duration_seconds",
			Help:    "Time taken by one reconcile pass.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"controller"},
	)

	kubegameDependentWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubegame_dependent_writes_total",
			Help: "Writes to dependent objects by kind and operation.",
		},
		[]string{"kind", "operation"},
	)

	kubegameTeardownStalledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubegame_teardown_stalled_total",
			Help: "Reconcile passes that found teardown running past its wait budget.",
		},
		[]string{"controller"},
	)

	kubegameGameReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubegame_game_ready",
			Help: "1 when a Game's database is ready, 0 otherwise.",
		},
		[]string{"namespace", "name"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		kubegameControllerReconcileTotal,
		kubegameControllerReconcileErrorTotal,
		kubegameControllerReconcileDuration,
		kubegameDependentWritesTotal,
		kubegameTeardownStalledTotal,
		kubegameGameReady,
	)
}
