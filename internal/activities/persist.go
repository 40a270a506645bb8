package activities

import (
	"context"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/fathomlab/fathom/internal/db"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
)

// PersistRunStartInput records a new run before its first stage executes.
type PersistRunStartInput struct {
	RunID   string                 `json:"run_id"`
	Request models.ResearchRequest `json:"request"`
}

// PersistStageInput records a stage transition.
type PersistStageInput struct {
	RunID string          `json:"run_id"`
	Stage models.RunStage `json:"stage"`
}

// PersistRunResultInput records the terminal state of a run.
type PersistRunResultInput struct {
	RunID  string                   `json:"run_id"`
	Result models.ResearchRunResult `json:"result"`
}

// persistErr wraps storage failures as Persistence application errors so the
// workflow can distinguish them from transient provider trouble.
func persistErr(err error, op string) error {
	perr := &models.PersistenceError{Op: op, Err: err}
	return temporal.NewApplicationError(perr.Error(), models.ErrTypePersistence)
}

// PersistRunStart inserts the run row. No-op without a configured store.
func (a *Activities) PersistRunStart(ctx context.Context, input PersistRunStartInput) error {
	metrics.RunsStarted.Inc()
	if a.store == nil {
		activity.GetLogger(ctx).Debug("PersistRunStart: no store configured", "run_id", input.RunID)
		return nil
	}
	request, err := db.ToJSONB(input.Request)
	if err != nil {
		return persistErr(err, "encode request")
	}
	run := &db.ResearchRun{
		RunID:   input.RunID,
		Query:   input.Request.Query,
		Status:  string(models.StageBootstrap),
		Request: request,
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return persistErr(err, "create run")
	}
	return nil
}

// PersistStageTransition updates the run's status column.
func (a *Activities) PersistStageTransition(ctx context.Context, input PersistStageInput) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.UpdateRunStatus(ctx, input.RunID, string(input.Stage)); err != nil {
		return persistErr(err, "update run status")
	}
	return nil
}

// PersistRunResult writes the terminal row: status, report, result payload,
// and aggregate counters.
func (a *Activities) PersistRunResult(ctx context.Context, input PersistRunResultInput) error {
	logger := activity.GetLogger(ctx)
	metrics.RunsCompleted.WithLabelValues(string(input.Result.Status)).Inc()
	metrics.RunDuration.Observe(input.Result.Metrics.ElapsedSeconds)
	metrics.RunIterations.Observe(float64(input.Result.Metrics.Iterations))
	metrics.CitationsPublished.Observe(float64(input.Result.Metrics.CitationCount))
	if a.store == nil {
		logger.Debug("PersistRunResult: no store configured", "run_id", input.RunID)
		return nil
	}

	result, err := db.ToJSONB(input.Result)
	if err != nil {
		return persistErr(err, "encode result")
	}
	run := &db.ResearchRun{
		RunID:         input.RunID,
		Status:        string(input.Result.Status),
		Result:        result,
		Iterations:    input.Result.Metrics.Iterations,
		EvidenceCount: input.Result.Metrics.EvidenceCount,
		CitationCount: input.Result.Metrics.CitationCount,
		TokensUsed:    input.Result.Metrics.TokensUsed,
		CostUSD:       input.Result.Metrics.CostUSD,
	}
	if input.Result.ReportMarkdown != "" {
		report := input.Result.ReportMarkdown
		run.ReportMarkdown = &report
	}
	if input.Result.Error != "" {
		msg := input.Result.Error
		run.ErrorMessage = &msg
	}
	if err := a.store.SaveRunResult(ctx, run); err != nil {
		return persistErr(err, "save run result")
	}

	logger.Info("PersistRunResult: saved",
		"run_id", input.RunID,
		"status", input.Result.Status,
		"citations", input.Result.Metrics.CitationCount,
	)
	return nil
}
