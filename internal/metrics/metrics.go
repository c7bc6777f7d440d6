// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DocumentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goapprove_documents_created_total",
		Help: "Documents submitted, by chain template code",
	}, []string{"template"})

	StepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goapprove_step_transitions_total",
		Help: "Decided steps, by decision and resulting document outcome",
	}, []string{"decision", "outcome"})

	RejectedOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goapprove_rejected_operations_total",
		Help: "Engine calls that failed, by operation and error kind",
	}, []string{"operation", "kind"})

	CodeCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "goapprove_document_code_collisions_total",
		Help: "Creation attempts retried because the generated document code was taken",
	})

	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "goapprove_live_delivery_failures_total",
		Help: "Live pushes that failed, by room kind",
	}, []string{"room"})

	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "goapprove_live_connections",
		Help: "Open websocket connections",
	})
)
