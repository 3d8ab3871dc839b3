package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values shared by several metrics.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeTimeout  = "timeout"
	OutcomeFault    = "fault"
	OutcomeCanceled = "canceled"
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeShared   = "shared"
)

var (
	AnalysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedradar_analyses_total",
		Help: "The total number of analyses by terminal stage",
	}, []string{"stage"})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedradar_analysis_duration_seconds",
		Help:    "Wall-clock duration of analyses from start to final snapshot",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	})

	AnalysesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedradar_analyses_in_flight",
		Help: "Number of analyses currently running",
	})

	FeedsFound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedradar_feeds_found_total",
		Help: "Feeds reported in final snapshots by kind",
	}, []string{"kind"})

	PageFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedradar_page_fetches_total",
		Help: "Page fetches by outcome",
	}, []string{"outcome"})

	ScriptExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedradar_rule_executions_total",
		Help: "Rule executions by outcome",
	}, []string{"outcome"})

	ScriptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedradar_rule_execution_duration_seconds",
		Help:    "Duration of individual rule executions",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	GatewayProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedradar_gateway_probes_total",
		Help: "Gateway health probes by outcome",
	}, []string{"outcome"})

	GatewayProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedradar_gateway_probe_duration_seconds",
		Help:    "Duration of gateway health probes",
		Buckets: prometheus.DefBuckets,
	})

	ValidationCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedradar_validation_cache_lookups_total",
		Help: "Base URL validation cache lookups by result (hit, miss, shared in-flight probe)",
	}, []string{"result"})

	RuleSetSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "feedradar_rule_set_rules",
		Help: "Number of rules in the active rule set",
	})

	RuleSetReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedradar_rule_set_reloads_total",
		Help: "Rule set reloads by source",
	}, []string{"source"})
)
