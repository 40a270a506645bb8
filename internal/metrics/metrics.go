package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_runs_started_total",
			Help: "Total number of research runs started",
		},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_runs_completed_total",
			Help: "Total number of research runs finished, by terminal status",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	RunIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_run_iterations",
			Help:    "Iterations executed per run",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8},
		},
	)

	// Subagent task metrics
	TasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_tasks_executed_total",
			Help: "Total number of subagent tasks executed, by outcome",
		},
		[]string{"status"},
	)

	TaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_task_duration_seconds",
			Help:    "Subagent task duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)

	EvidenceCollected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_evidence_collected_total",
			Help: "Total evidence records collected across all tasks",
		},
	)

	// Capability provider metrics
	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fathom_model_calls_total",
			Help: "Total model completion calls, by activity",
		},
		[]string{"activity"},
	)

	ModelTokensUsed = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_model_tokens_used",
			Help:    "Tokens used per model call",
			Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 20000},
		},
	)

	ModelCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_model_cost_usd",
			Help:    "Reported cost in USD per model call",
			Buckets: []float64{0.001, 0.01, 0.1, 1, 10},
		},
	)

	// Citation metrics
	CitationsPublished = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fathom_citations_published",
			Help:    "Ledger size of published reports",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	CitationIntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fathom_citation_integrity_failures_total",
			Help: "Reports rejected for citing a marker with no source",
		},
	)
)
