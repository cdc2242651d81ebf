package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrderStatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_status_transitions_total",
		Help: "Total number of order status transitions",
	}, []string{"status"})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Total number of rejected order operations",
	}, []string{"reason"})

	KeysAssignedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keys_assigned_total",
		Help: "Total number of keys bound to orders",
	}, []string{"mode"})

	KeysReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keys_released_total",
		Help: "Total number of keys returned to the available pool",
	}, []string{"reason"})

	KeysStockedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "keys_stocked_total",
		Help: "Total number of keys added to inventory",
	})

	KeyAssignmentFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "key_assignment_failures_total",
		Help: "Total number of failed key assignments",
	}, []string{"reason"})

	KeyAssignLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "key_assign_latency_seconds",
		Help:    "Latency of key assignment transactions",
		Buckets: prometheus.DefBuckets,
	})

	AutoAssignOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auto_assign_outcomes_total",
		Help: "Auto-assignment coordinator results by outcome",
	}, []string{"outcome"})

	AutoAssignInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auto_assign_in_flight",
		Help: "Orders currently being processed by the auto-assignment coordinator",
	})

	MaintenanceRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "maintenance_repairs_total",
		Help: "Rows changed by inventory maintenance",
	}, []string{"kind"})

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
