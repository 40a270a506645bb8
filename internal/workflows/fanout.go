package workflows

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fathomlab/fathom/internal/activities"
	"github.com/fathomlab/fathom/internal/models"
)

// FanoutConfig controls subagent fan-out for one iteration.
type FanoutConfig struct {
	RunID              string
	Iteration          int
	MaxConcurrency     int
	MaxResultsPerQuery int
	MaxPagesPerTask    int
	ModelTier          string

	// Emit publishes a run event. It is called from producer coroutines and
	// selector callbacks, so it must use the workflow.Context it is handed,
	// never a context captured from another coroutine.
	Emit func(workflow.Context, models.RunEvent)
}

// FanoutResult aggregates one iteration's subagent outcomes. Evidence is in
// task order; failed tasks contribute nothing but are counted.
type FanoutResult struct {
	Evidence      []models.EvidenceRecord
	TasksExecuted int
	TasksFailed   int
	ModelCalls    int
	TokensUsed    int
	CostUSD       float64
}

// executeFanout runs the iteration's tasks in parallel under a concurrency
// cap. Task failures are recorded, not propagated: the iteration proceeds on
// whatever evidence the surviving tasks produced.
func executeFanout(ctx workflow.Context, tasks []models.SubagentTask, config FanoutConfig) *FanoutResult {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting subagent fan-out",
		"run_id", config.RunID,
		"iteration", config.Iteration,
		"task_count", len(tasks),
		"max_concurrency", config.MaxConcurrency,
	)

	sem := workflow.NewSemaphore(ctx, int64(config.MaxConcurrency))
	futuresChan := workflow.NewChannel(ctx)

	type futureWithIndex struct {
		Index   int
		Future  workflow.Future
		Release workflow.Channel
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})

	for i, task := range tasks {
		i := i
		task := task

		workflow.Go(ctx, func(ctx workflow.Context) {
			if err := sem.Acquire(ctx, 1); err != nil {
				logger.Error("Failed to acquire fan-out slot",
					"task_id", task.TaskID,
					"error", err,
				)
				futuresChan.Send(ctx, futureWithIndex{Index: i})
				return
			}
			rel := workflow.NewChannel(ctx)

			if config.Emit != nil {
				config.Emit(ctx, models.RunEvent{
					Stage:     models.StageSearch,
					Type:      "task_started",
					TaskID:    task.TaskID,
					Message:   task.Focus,
					Iteration: config.Iteration,
				})
			}
			future := workflow.ExecuteActivity(ctx, "ExecuteSubagentTask",
				activities.SubagentTaskInput{
					RunID:              config.RunID,
					Task:               task,
					Iteration:          config.Iteration,
					MaxResultsPerQuery: config.MaxResultsPerQuery,
					MaxPagesPerTask:    config.MaxPagesPerTask,
					ModelTier:          config.ModelTier,
				})

			futuresChan.Send(ctx, futureWithIndex{Index: i, Future: future, Release: rel})

			// Hold the permit until the collector has processed the result.
			var sig struct{}
			rel.Receive(ctx, &sig)
			sem.Release(1)
		})
	}

	taskResults := make([]*activities.SubagentTaskResult, len(tasks))
	out := &FanoutResult{}

	sel := workflow.NewSelector(ctx)
	received := 0
	skippedNil := 0
	processed := 0

	var registerReceive func()
	registerReceive = func() {
		sel.AddReceive(futuresChan, func(c workflow.ReceiveChannel, more bool) {
			var fwi futureWithIndex
			c.Receive(ctx, &fwi)
			received++
			if fwi.Future == nil {
				out.TasksFailed++
				skippedNil++
			} else {
				fwi := fwi
				sel.AddFuture(fwi.Future, func(f workflow.Future) {
					var result activities.SubagentTaskResult
					if err := f.Get(ctx, &result); err != nil {
						logger.Error("Subagent task failed",
							"task_id", tasks[fwi.Index].TaskID,
							"error", err,
						)
						out.TasksFailed++
						if config.Emit != nil {
							config.Emit(ctx, models.RunEvent{
								Stage:     models.StageSearch,
								Type:      "task_failed",
								TaskID:    tasks[fwi.Index].TaskID,
								Message:   err.Error(),
								Iteration: config.Iteration,
							})
						}
					} else {
						taskResults[fwi.Index] = &result
						out.TasksExecuted++
						if config.Emit != nil {
							config.Emit(ctx, models.RunEvent{
								Stage:     models.StageSearch,
								Type:      "task_completed",
								TaskID:    tasks[fwi.Index].TaskID,
								Iteration: config.Iteration,
								Metrics:   map[string]interface{}{"evidence": len(result.Evidence)},
							})
						}
					}
					if fwi.Release != nil {
						var sig struct{}
						fwi.Release.Send(ctx, sig)
					}
					processed++
				})
			}
			if received < len(tasks) {
				registerReceive()
			}
		})
	}

	if len(tasks) > 0 {
		registerReceive()
	}
	for processed < (len(tasks) - skippedNil) {
		sel.Select(ctx)
	}

	// Merge in task order so the evidence stream is replay-stable.
	for _, tr := range taskResults {
		if tr == nil {
			continue
		}
		out.Evidence = append(out.Evidence, tr.Evidence...)
		out.ModelCalls += tr.ModelCalls
		out.TokensUsed += tr.TokensUsed
		out.CostUSD += tr.CostUSD
	}

	logger.Info("Subagent fan-out completed",
		"iteration", config.Iteration,
		"successful", out.TasksExecuted,
		"failed", out.TasksFailed,
		"evidence", len(out.Evidence),
	)
	return out
}
