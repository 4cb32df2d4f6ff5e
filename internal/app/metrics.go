package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankcore_ledger_operations_total",
		Help: "Ledger operations by kind and outcome (applied, replayed, rejected, busy, error).",
	}, []string{"operation", "outcome"})

	ledgerOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bankcore_ledger_operation_duration_seconds",
		Help:    "Latency of ledger operations including lock acquisition.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	paymentSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankcore_payment_submissions_total",
		Help: "Payment submissions by outcome (accepted, replayed, rejected, busy, error).",
	}, []string{"outcome"})

	paymentOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankcore_payment_outcomes_total",
		Help: "Terminal payment instruction outcomes by status.",
	}, []string{"status"})

	paymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankcore_payment_events_total",
		Help: "Payment work items handled by the worker, by result.",
	}, []string{"result"})

	lockContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankcore_lock_contention_total",
		Help: "Lock acquisition attempts that found the lock already held, by namespace.",
	}, []string{"namespace"})

	sweeperActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bankcore_sweeper_actions_total",
		Help: "Reconcile sweeper actions by kind.",
	}, []string{"action"})
)
