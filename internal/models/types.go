package models

import (
	"time"
)

// RunStage tracks where a research run is in its lifecycle. Stage transitions
// are persisted before the next stage begins so a run can be inspected mid-flight.
type RunStage string

const (
	StageBootstrap  RunStage = "BOOTSTRAP"
	StagePlan       RunStage = "PLAN"
	StageSearch     RunStage = "SEARCH"
	StageSynthesize RunStage = "SYNTHESIZE"
	StageCite       RunStage = "CITE"
	StageReport     RunStage = "REPORT"
	StageComplete   RunStage = "COMPLETE"
	StageFailed     RunStage = "FAILED"
	StageCancelled  RunStage = "CANCELLED"
)

// Terminal reports whether a stage is a final state.
func (s RunStage) Terminal() bool {
	return s == StageComplete || s == StageFailed || s == StageCancelled
}

// DetailLevel controls how expansive the final report should be.
type DetailLevel string

const (
	DetailConcise  DetailLevel = "concise"
	DetailStandard DetailLevel = "standard"
	DetailHigh     DetailLevel = "high"
)

// ResearchRequest is the immutable input for a research run.
type ResearchRequest struct {
	Query              string      `json:"query"`
	MaxIterations      int         `json:"max_iterations"`
	Parallelism        int         `json:"parallelism"`
	DetailLevel        DetailLevel `json:"detail_level,omitempty"`
	MaxResultsPerQuery int         `json:"max_results_per_query,omitempty"`
	MaxPagesPerTask    int         `json:"max_pages_per_task,omitempty"`
}

// Normalized returns a copy with defaults applied and bounds enforced.
func (r ResearchRequest) Normalized() ResearchRequest {
	out := r
	if out.MaxIterations < 1 {
		out.MaxIterations = 2
	}
	if out.MaxIterations > 8 {
		out.MaxIterations = 8
	}
	if out.Parallelism < 1 {
		out.Parallelism = 3
	}
	if out.Parallelism > 8 {
		out.Parallelism = 8
	}
	if out.MaxResultsPerQuery < 1 {
		out.MaxResultsPerQuery = 5
	}
	if out.MaxPagesPerTask < 1 {
		out.MaxPagesPerTask = 3
	}
	if out.DetailLevel == "" {
		out.DetailLevel = DetailStandard
	}
	return out
}

// SubagentTask is one focused unit of research within an iteration plan.
type SubagentTask struct {
	TaskID         string   `json:"task_id"`
	Focus          string   `json:"focus"`
	SearchQueries  []string `json:"search_queries"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
}

// IterationPlan is the planner's output for a single iteration.
type IterationPlan struct {
	IterationIndex int            `json:"iteration_index"`
	Goals          []string       `json:"goals,omitempty"`
	Tasks          []SubagentTask `json:"tasks"`
	ContinueLoop   bool           `json:"continue_loop"`
	StopReason     string         `json:"stop_reason,omitempty"`
}

// EvidenceRecord is one attributable finding collected by a subagent.
type EvidenceRecord struct {
	EvidenceID    string    `json:"evidence_id"`
	TaskID        string    `json:"task_id"`
	Query         string    `json:"query"`
	URL           string    `json:"url"`
	Title         string    `json:"title,omitempty"`
	Snippet       string    `json:"snippet,omitempty"`
	ExtractedText string    `json:"extracted_text,omitempty"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	Confidence    float64   `json:"confidence"`
	CollectedAt   time.Time `json:"collected_at"`
}

// IterationSynthesis folds the current evidence batch into the running
// understanding and decides whether another iteration is warranted.
type IterationSynthesis struct {
	IterationIndex int      `json:"iteration_index"`
	Summary        string   `json:"summary"`
	KeyFindings    []string `json:"key_findings,omitempty"`
	OpenQuestions  []string `json:"open_questions,omitempty"`
	ContinueLoop   bool     `json:"continue_loop"`
	StopReason     string   `json:"stop_reason,omitempty"`
}

// CitationEntry is one numbered source in the final ledger. Number is the
// 1-based marker used in the report body.
type CitationEntry struct {
	Number      int      `json:"number"`
	URL         string   `json:"url"`
	Title       string   `json:"title,omitempty"`
	Publisher   string   `json:"publisher,omitempty"`
	EvidenceIDs []string `json:"evidence_ids"`
	AccessedAt  string   `json:"accessed_at,omitempty"`
}

// FinalReportDraft is the reporter's output before marker finalization.
type FinalReportDraft struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// RunEvent is one entry in the ordered run event log.
type RunEvent struct {
	Seq       int64                  `json:"seq"`
	Stage     RunStage               `json:"stage"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Iteration int                    `json:"iteration,omitempty"`
	TaskID    string                 `json:"task_id,omitempty"`
	Metrics   map[string]interface{} `json:"metrics,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// RunMetrics aggregates counters for a finished (or failed) run. Cost is
// opportunistic; zero means the provider did not report it.
type RunMetrics struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	Iterations     int     `json:"iterations"`
	TasksExecuted  int     `json:"tasks_executed"`
	TasksFailed    int     `json:"tasks_failed"`
	EvidenceCount  int     `json:"evidence_count"`
	CitationCount  int     `json:"citation_count"`
	ModelCalls     int     `json:"model_calls"`
	TokensUsed     int     `json:"tokens_used"`
	CostUSD        float64 `json:"cost_usd,omitempty"`
}

// ResearchRunResult is the terminal artifact of a run.
type ResearchRunResult struct {
	RunID          string          `json:"run_id"`
	Status         RunStage        `json:"status"`
	Request        ResearchRequest `json:"request"`
	ReportMarkdown string          `json:"report_markdown,omitempty"`
	Citations      []CitationEntry `json:"citations,omitempty"`
	Events         []RunEvent      `json:"events,omitempty"`
	Metrics        RunMetrics      `json:"metrics"`
	Error          string          `json:"error,omitempty"`
}
