// Package metrics declares the process-wide prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DocumentsIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_etl_documents_indexed_total",
			Help: "Documents acknowledged by the bulk endpoint",
		},
		[]string{"target"},
	)

	BulkBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_etl_bulk_batches_total",
			Help: "Bulk batches sent, by outcome",
		},
		[]string{"outcome"}, // ok, transport_error, item_error, protocol_mismatch
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weather_etl_step_duration_seconds",
			Help:    "Duration of pipeline steps",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"step", "outcome"},
	)

	ProviderFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weather_etl_provider_fetches_total",
			Help: "Outbound provider reads, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
)
