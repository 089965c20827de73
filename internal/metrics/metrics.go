// Herald - Multi-Device Notification Fan-out and Delivery
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package metrics provides Prometheus instrumentation for the notification
// pipeline: ingress admission, coalescing, fan-out, delivery, and the
// consistency gate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingress Metrics
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_events_ingested_total",
			Help: "Total number of events accepted at the ingress boundary",
		},
		[]string{"type", "priority"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_events_rejected_total",
			Help: "Total number of malformed events rejected at the ingress boundary",
		},
		[]string{"reason"},
	)

	EventsShed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_events_shed_total",
			Help: "Total number of normal-priority events shed under overload",
		},
	)

	// Coalescer Metrics
	CoalescerReplacements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_coalescer_replacements_total",
			Help: "Total number of events superseded inside an open coalescing window",
		},
	)

	CoalescerEmissions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_coalescer_emissions_total",
			Help: "Total number of coalesced events emitted at window expiry",
		},
	)

	CoalescerActiveKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_coalescer_active_keys",
			Help: "Current number of open coalescing windows",
		},
	)

	// Fan-out Metrics
	FanoutTasksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_fanout_tasks_created_total",
			Help: "Total number of delivery tasks produced by the dispatcher",
		},
		[]string{"priority"},
	)

	FanoutUndeliverable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_fanout_undeliverable_total",
			Help: "Total number of events for users with no registered devices",
		},
	)

	FanoutBufferedCritical = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_fanout_buffered_critical_total",
			Help: "Total number of critical events buffered while the registry was unavailable",
		},
	)

	// Delivery Metrics
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_delivery_attempts_total",
			Help: "Total number of transport send attempts",
		},
		[]string{"platform", "outcome"}, // outcome: ack, transient, permanent
	)

	DeliverySendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_send_duration_seconds",
			Help:    "Duration of transport send calls in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"platform"},
	)

	DeliveryRetriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_delivery_retries_scheduled_total",
			Help: "Total number of tasks scheduled for backoff retry",
		},
	)

	DeliveryDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_delivery_dead_lettered_total",
			Help: "Total number of tasks moved to the dead-letter store after exhausting retries",
		},
	)

	DeliveryTasksCanceled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_delivery_tasks_canceled_total",
			Help: "Total number of pending tasks canceled by device unregistration",
		},
	)

	RetryHeapDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_delivery_retry_heap_depth",
			Help: "Current number of tasks waiting in the retry scheduler",
		},
	)

	// Consistency Gate Metrics
	GateStaleDiscards = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_gate_stale_discards_total",
			Help: "Total number of tasks discarded for carrying a stale membership version",
		},
	)

	GateVersionUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_gate_version_updates_total",
			Help: "Total number of membership version changes observed",
		},
	)

	// Registry Metrics
	RegistryDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_registry_devices",
			Help: "Current number of registered devices",
		},
	)

	RegistryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_registry_operations_total",
			Help: "Total number of registry operations",
		},
		[]string{"operation"}, // register, heartbeat, unregister, bump_capability
	)

	// Backpressure Metrics
	BackpressureDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_backpressure_denied_total",
			Help: "Total number of admission denials by priority class",
		},
		[]string{"priority"},
	)

	// Transport Queue Metrics
	TaskPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_task_publish_errors_total",
			Help: "Total number of failures publishing delivery tasks to the queue",
		},
		[]string{"topic"},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)

	// WebSocket Transport Metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_websocket_connections",
			Help: "Current number of attached WebSocket devices",
		},
	)
)
