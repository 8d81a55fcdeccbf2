// Package metrics defines the Prometheus instrumentation for the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksClaimed counts tasks handed out to managers
	TasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qcfabric_tasks_claimed_total",
		Help: "Number of tasks claimed by managers",
	})

	// TasksReturned counts results ingested from managers by outcome
	TasksReturned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcfabric_tasks_returned_total",
		Help: "Number of task results returned by managers",
	}, []string{"outcome"})

	// RecordsCreated counts record submissions by type and dedup outcome
	RecordsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcfabric_records_created_total",
		Help: "Number of records created or deduplicated at submission",
	}, []string{"record_type", "outcome"})

	// ServiceIterations counts driver waves by record type
	ServiceIterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcfabric_service_iterations_total",
		Help: "Number of service iterations executed",
	}, []string{"record_type"})

	// ServiceFailures counts services failed on an unsuccessful dependency
	ServiceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcfabric_service_failures_total",
		Help: "Number of services failed during iteration",
	}, []string{"record_type"})

	// ManagersSwept counts managers deactivated by the heartbeat sweep
	ManagersSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qcfabric_managers_swept_total",
		Help: "Number of managers deactivated for missed heartbeats",
	})

	// HTTPRequests counts API requests by route and status class
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qcfabric_http_requests_total",
		Help: "Number of HTTP requests served",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes API request latency by route
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qcfabric_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)
