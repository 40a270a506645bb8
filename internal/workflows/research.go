// Package workflows contains the research orchestration: an iterative
// plan / fan-out / synthesize loop followed by citation-stable report
// finalization. All model, search, and storage work happens in activities;
// the workflow itself stays deterministic.
package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fathomlab/fathom/internal/activities"
	"github.com/fathomlab/fathom/internal/citations"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/report"
)

// TaskQueue is the Temporal task queue research runs execute on.
const TaskQueue = "fathom-research"

// runState is the workflow-local state of one research run.
type runState struct {
	runID     string
	request   models.ResearchRequest
	startedAt time.Time

	evidence  []models.EvidenceRecord
	synthesis models.IterationSynthesis
	events    []models.RunEvent
	eventSeq  int64
	metrics   models.RunMetrics
}

// ResearchWorkflow runs one research request end to end and returns the
// terminal result. Failures and cancellation complete the workflow normally
// with a FAILED or CANCELLED status so callers always get the run record.
func ResearchWorkflow(ctx workflow.Context, request models.ResearchRequest) (*models.ResearchRunResult, error) {
	logger := workflow.GetLogger(ctx)

	state := &runState{
		runID:     workflow.GetInfo(ctx).WorkflowExecution.ID,
		request:   request.Normalized(),
		startedAt: workflow.Now(ctx),
	}
	req := state.request

	logger.Info("Research run starting",
		"run_id", state.runID,
		"query", req.Query,
		"max_iterations", req.MaxIterations,
		"parallelism", req.Parallelism,
	)

	// BOOTSTRAP: record the run before any stage work.
	if err := persistActivity(ctx, "PersistRunStart", activities.PersistRunStartInput{
		RunID:   state.runID,
		Request: req,
	}); err != nil {
		return finish(ctx, state, terminalFor(ctx), "", nil, err.Error()), nil
	}
	if err := emitStage(ctx, state, models.StageBootstrap, 0); err != nil {
		return finish(ctx, state, terminalFor(ctx), "", nil, err.Error()), nil
	}

	// Iterative research loop.
	var planStopped bool
	var emptyPlanRetried bool
	for iteration := 1; iteration <= req.MaxIterations; iteration++ {
		if canceled(ctx) {
			return finish(ctx, state, models.StageCancelled, "", nil, "run cancelled"), nil
		}

		// PLAN
		if err := emitStage(ctx, state, models.StagePlan, iteration); err != nil {
			return finish(ctx, state, terminalFor(ctx), "", nil, err.Error()), nil
		}
		planResult, err := generatePlan(ctx, state, iteration)
		if err != nil {
			if canceled(ctx) {
				return finish(ctx, state, models.StageCancelled, "", nil, "run cancelled"), nil
			}
			if len(state.evidence) == 0 {
				return finish(ctx, state, models.StageFailed, "", nil, err.Error()), nil
			}
			// Evidence exists; stop iterating and report what we have.
			logger.Warn("Planning failed with evidence on hand, stopping loop",
				"iteration", iteration,
				"error", err,
			)
			_ = emit(ctx, state, models.RunEvent{
				Stage:     models.StagePlan,
				Type:      "plan_failed",
				Message:   err.Error(),
				Iteration: iteration,
			})
			break
		}
		state.metrics.ModelCalls++
		state.metrics.TokensUsed += planResult.TokensUsed
		state.metrics.CostUSD += planResult.CostUSD

		plan := planResult.Plan
		if len(plan.Tasks) == 0 {
			// An empty plan that still wants to continue, with nothing
			// researched yet, is a planning defect: one retry, then fatal.
			// An explicit empty stop goes straight to finalization.
			if plan.ContinueLoop && len(state.evidence) == 0 {
				if !emptyPlanRetried {
					emptyPlanRetried = true
					_ = emit(ctx, state, models.RunEvent{
						Stage:     models.StagePlan,
						Type:      "plan_retry",
						Message:   "planner returned no tasks with budget remaining",
						Iteration: iteration,
					})
					iteration--
					continue
				}
				return finish(ctx, state, models.StageFailed, "", nil,
					"planning failed: no tasks planned with budget remaining"), nil
			}
			_ = emit(ctx, state, models.RunEvent{
				Stage:     models.StagePlan,
				Type:      "plan_empty",
				Message:   plan.StopReason,
				Iteration: iteration,
			})
			break
		}
		_ = emit(ctx, state, models.RunEvent{
			Stage:     models.StagePlan,
			Type:      "plan_ready",
			Message:   planSummary(plan),
			Iteration: iteration,
			Metrics:   map[string]interface{}{"tasks": len(plan.Tasks)},
		})

		// SEARCH: bounded-parallel subagent fan-out.
		if err := emitStage(ctx, state, models.StageSearch, iteration); err != nil {
			return finish(ctx, state, terminalFor(ctx), "", nil, err.Error()), nil
		}
		fanout := executeFanout(ctx, plan.Tasks, FanoutConfig{
			RunID:              state.runID,
			Iteration:          iteration,
			MaxConcurrency:     req.Parallelism,
			MaxResultsPerQuery: req.MaxResultsPerQuery,
			MaxPagesPerTask:    req.MaxPagesPerTask,
			Emit: func(gctx workflow.Context, evt models.RunEvent) {
				// Task progress events are best effort.
				_ = emit(gctx, state, evt)
			},
		})
		if canceled(ctx) {
			return finish(ctx, state, models.StageCancelled, "", nil, "run cancelled"), nil
		}
		state.metrics.TasksExecuted += fanout.TasksExecuted
		state.metrics.TasksFailed += fanout.TasksFailed
		state.metrics.ModelCalls += fanout.ModelCalls
		state.metrics.TokensUsed += fanout.TokensUsed
		state.metrics.CostUSD += fanout.CostUSD

		batch := citations.Dedupe(fanout.Evidence)
		state.evidence = citations.Dedupe(append(state.evidence, batch...))
		_ = emit(ctx, state, models.RunEvent{
			Stage:     models.StageSearch,
			Type:      "evidence_merged",
			Iteration: iteration,
			Metrics: map[string]interface{}{
				"batch": len(batch),
				"total": len(state.evidence),
			},
		})
		if len(batch) == 0 {
			// An iteration with no new evidence cannot improve the synthesis.
			state.metrics.Iterations = iteration
			break
		}

		// SYNTHESIZE: fold the new batch into the running understanding.
		if err := emitStage(ctx, state, models.StageSynthesize, iteration); err != nil {
			return finish(ctx, state, terminalFor(ctx), "", nil, err.Error()), nil
		}
		synthResult, err := synthesizeIteration(ctx, state, iteration, batch)
		if err != nil {
			if canceled(ctx) {
				return finish(ctx, state, models.StageCancelled, "", nil, "run cancelled"), nil
			}
			return finish(ctx, state, models.StageFailed, "", nil, err.Error()), nil
		}
		state.metrics.ModelCalls++
		state.metrics.TokensUsed += synthResult.TokensUsed
		state.metrics.CostUSD += synthResult.CostUSD
		state.synthesis = synthResult.Synthesis
		state.metrics.Iterations = iteration

		if !plan.ContinueLoop || !state.synthesis.ContinueLoop {
			planStopped = true
			break
		}
	}

	if !planStopped && state.metrics.Iterations == req.MaxIterations {
		logger.Info("Iteration budget exhausted", "run_id", state.runID)
	}

	// CITE: deterministic provisional ledger over all deduplicated evidence.
	if err := emitStage(ctx, state, models.StageCite, 0); err != nil {
		return finish(ctx, state, terminalFor(ctx), "", nil, err.Error()), nil
	}
	provisional := citations.BuildProvisional(state.evidence)
	_ = emit(ctx, state, models.RunEvent{
		Stage:   models.StageCite,
		Type:    "ledger_built",
		Metrics: map[string]interface{}{"sources": len(provisional)},
	})

	// REPORT: draft against the provisional ledger, then finalize markers.
	if err := emitStage(ctx, state, models.StageReport, 0); err != nil {
		return finish(ctx, state, terminalFor(ctx), "", nil, err.Error()), nil
	}
	draftResult, err := draftReport(ctx, state, provisional)
	if err != nil {
		if canceled(ctx) {
			return finish(ctx, state, models.StageCancelled, "", nil, "run cancelled"), nil
		}
		return finish(ctx, state, models.StageFailed, "", nil, err.Error()), nil
	}
	state.metrics.ModelCalls++
	state.metrics.TokensUsed += draftResult.TokensUsed
	state.metrics.CostUSD += draftResult.CostUSD

	body, ledger, err := citations.Finalize(draftResult.Draft.Body, provisional)
	if err != nil {
		// A marker without a source is never dropped or repaired.
		_ = emit(ctx, state, models.RunEvent{
			Stage:   models.StageReport,
			Type:    "citation_integrity_failed",
			Message: err.Error(),
		})
		return finish(ctx, state, models.StageFailed, "", nil, err.Error()), nil
	}

	final := draftResult.Draft
	final.Body = body
	markdown := report.Render(final, ledger, req.Query)

	return finish(ctx, state, models.StageComplete, markdown, ledger, ""), nil
}

// generatePlan calls the planner with one retry on failure.
func generatePlan(ctx workflow.Context, state *runState, iteration int) (*activities.PlanResult, error) {
	planCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 2,
		},
	})

	var result activities.PlanResult
	err := workflow.ExecuteActivity(planCtx, "GeneratePlan", activities.PlanInput{
		RunID:             state.runID,
		Query:             state.request.Query,
		Iteration:         iteration,
		MaxIterations:     state.request.MaxIterations,
		Parallelism:       state.request.Parallelism,
		PreviousSynthesis: state.synthesis.Summary,
		OpenQuestions:     state.synthesis.OpenQuestions,
	}).Get(planCtx, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func synthesizeIteration(ctx workflow.Context, state *runState, iteration int, batch []models.EvidenceRecord) (*activities.SynthesisResult, error) {
	synthCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})

	var result activities.SynthesisResult
	err := workflow.ExecuteActivity(synthCtx, "SynthesizeIteration", activities.SynthesisInput{
		RunID:             state.runID,
		Query:             state.request.Query,
		Iteration:         iteration,
		MaxIterations:     state.request.MaxIterations,
		PreviousSynthesis: state.synthesis.Summary,
		Evidence:          batch,
	}).Get(synthCtx, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func draftReport(ctx workflow.Context, state *runState, provisional []models.CitationEntry) (*activities.DraftResult, error) {
	draftCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})

	var result activities.DraftResult
	err := workflow.ExecuteActivity(draftCtx, "DraftReport", activities.DraftInput{
		RunID:       state.runID,
		Query:       state.request.Query,
		Synthesis:   state.synthesis.Summary,
		KeyFindings: state.synthesis.KeyFindings,
		Sources:     provisional,
		DetailLevel: state.request.DetailLevel,
	}).Get(draftCtx, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// finish persists the terminal state and builds the run result. Runs on a
// disconnected context so a cancelled workflow still gets its final flush.
func finish(ctx workflow.Context, state *runState, status models.RunStage, markdown string, ledger []models.CitationEntry, errMsg string) *models.ResearchRunResult {
	logger := workflow.GetLogger(ctx)

	state.metrics.ElapsedSeconds = workflow.Now(ctx).Sub(state.startedAt).Seconds()
	state.metrics.EvidenceCount = len(state.evidence)
	state.metrics.CitationCount = len(ledger)

	result := &models.ResearchRunResult{
		RunID:          state.runID,
		Status:         status,
		Request:        state.request,
		ReportMarkdown: markdown,
		Citations:      ledger,
		Metrics:        state.metrics,
		Error:          errMsg,
	}

	flushCtx := ctx
	if canceled(ctx) {
		flushCtx, _ = workflow.NewDisconnectedContext(ctx)
	}
	if err := emitStage(flushCtx, state, status, 0); err != nil {
		logger.Error("Terminal stage flush failed",
			"run_id", state.runID,
			"status", status,
			"error", err,
		)
	}
	if err := persistActivity(flushCtx, "PersistRunResult", activities.PersistRunResultInput{
		RunID:  state.runID,
		Result: *result,
	}); err != nil {
		logger.Error("Final run persistence failed",
			"run_id", state.runID,
			"error", err,
		)
		// A run whose record could not be stored did not complete.
		if status != models.StageCancelled {
			result.Status = models.StageFailed
		}
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	result.Events = state.events

	logger.Info("Research run finished",
		"run_id", state.runID,
		"status", status,
		"iterations", state.metrics.Iterations,
		"evidence", state.metrics.EvidenceCount,
		"citations", state.metrics.CitationCount,
	)
	return result
}

// persistActivity runs a persistence activity synchronously; run state must be
// durable before the next stage starts.
func persistActivity(ctx workflow.Context, name string, input interface{}) error {
	persistCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})
	return workflow.ExecuteActivity(persistCtx, name, input).Get(persistCtx, nil)
}

// emitStage records a stage transition: durable status update plus event.
// A failure here is a failure to persist run state, which is fatal for the
// run; callers finish with terminalFor(ctx).
func emitStage(ctx workflow.Context, state *runState, stage models.RunStage, iteration int) error {
	if err := persistActivity(ctx, "PersistStageTransition", activities.PersistStageInput{
		RunID: state.runID,
		Stage: stage,
	}); err != nil {
		return err
	}
	return emit(ctx, state, models.RunEvent{
		Stage:     stage,
		Type:      "stage_transition",
		Message:   string(stage),
		Iteration: iteration,
	})
}

// emit assigns the next sequence number and publishes the event. Stage
// transitions are written durably by the activity and surface their error;
// progress events are queued and never fail.
func emit(ctx workflow.Context, state *runState, evt models.RunEvent) error {
	state.eventSeq++
	evt.Seq = state.eventSeq
	evt.Timestamp = workflow.Now(ctx).UTC()
	state.events = append(state.events, evt)

	emitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 2,
		},
	})
	return workflow.ExecuteActivity(emitCtx, "EmitRunEvent", activities.EmitRunEventInput{
		RunID: state.runID,
		Event: evt,
	}).Get(emitCtx, nil)
}

// terminalFor maps the current context state to the terminal status used when
// a stage cannot proceed.
func terminalFor(ctx workflow.Context) models.RunStage {
	if canceled(ctx) {
		return models.StageCancelled
	}
	return models.StageFailed
}

func canceled(ctx workflow.Context) bool {
	return ctx.Err() != nil
}

func planSummary(plan models.IterationPlan) string {
	if len(plan.Goals) > 0 {
		return plan.Goals[0]
	}
	return ""
}
