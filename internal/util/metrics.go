package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders whose seller copy was written",
	}, []string{"source"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of failed order creations",
	}, []string{"reason"})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Total number of applied order status transitions",
	}, []string{"from", "to"})

	OrderStatusRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_rejected_total",
		Help: "Total number of status transitions rejected by the state machine",
	}, []string{"from", "to"})

	MirrorWriteFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mirror_write_failures_total",
		Help: "Total number of failed buyer copy writes",
	}, []string{"op"})

	MirrorReconciledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_reconciled_total",
		Help: "Total number of buyer copies repaired by the reconciler",
	})

	MirrorReconcileFailedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mirror_reconcile_failed_total",
		Help: "Total number of reconcile attempts that gave up",
	})

	MirrorPendingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mirror_pending_orders",
		Help: "Orders waiting for buyer copy repair at the last sweep",
	})

	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docstore_active_subscriptions",
		Help: "Number of live collection subscriptions",
	})

	StoreOperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docstore_operation_latency_seconds",
		Help:    "Latency of document store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "backend"})

	ProductsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "products_created_total",
		Help: "Total number of products listed",
	})

	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_attempts_total",
		Help: "Total number of register and login attempts",
	}, []string{"op", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
