package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Endpoint label values.
const (
	EndpointAnalyze  = "analyze"
	EndpointValidate = "validate"
	EndpointRules    = "rules"
)

var (
	// RequestsTotal counts API requests by endpoint and HTTP status code.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedradar_api_requests_total",
		Help: "Total number of API requests",
	}, []string{"endpoint", "status"})

	// LatencyHistogram measures request latency, including streamed analyses.
	LatencyHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedradar_api_latency_seconds",
		Help:    "Latency of API requests",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"endpoint"})
)
