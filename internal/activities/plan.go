package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/provider"
)

// PlanInput asks the planner for the next iteration's subagent tasks.
type PlanInput struct {
	RunID             string   `json:"run_id"`
	Query             string   `json:"query"`
	Iteration         int      `json:"iteration"`
	MaxIterations     int      `json:"max_iterations"`
	Parallelism       int      `json:"parallelism"`
	PreviousSynthesis string   `json:"previous_synthesis,omitempty"`
	OpenQuestions     []string `json:"open_questions,omitempty"`
	ModelTier         string   `json:"model_tier,omitempty"`
}

// PlanResult carries the normalized plan plus usage metadata.
type PlanResult struct {
	Plan       models.IterationPlan `json:"plan"`
	TokensUsed int                  `json:"tokens_used"`
	ModelUsed  string               `json:"model_used"`
	CostUSD    float64              `json:"cost_usd"`
}

// GeneratePlan produces the iteration plan. Unusable provider output surfaces
// as a PlanningError application error; the workflow owns the retry budget.
func (a *Activities) GeneratePlan(ctx context.Context, input PlanInput) (*PlanResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("GeneratePlan: starting",
		"run_id", input.RunID,
		"iteration", input.Iteration,
		"query", truncateStr(input.Query, 100),
	)

	completion, err := a.provider.Complete(ctx, provider.CompletionRequest{
		Prompt:       buildPlanContent(input),
		SystemPrompt: buildPlanPrompt(input),
		ModelTier:    input.ModelTier,
		MaxTokens:    4096,
	})
	if err != nil {
		return nil, fmt.Errorf("plan completion: %w", err)
	}
	metrics.ModelCalls.WithLabelValues("plan").Inc()
	metrics.ModelTokensUsed.Observe(float64(completion.TokensUsed))
	if completion.CostUSD > 0 {
		metrics.ModelCostUSD.Observe(completion.CostUSD)
	}

	plan, err := parsePlanResponse(completion.Text, input.Iteration)
	if err != nil {
		logger.Warn("GeneratePlan: unusable planner output", "error", err)
		perr := &models.PlanningError{Iteration: input.Iteration, Reason: err.Error()}
		return nil, temporal.NewApplicationError(perr.Error(), models.ErrTypePlanning)
	}
	normalizePlan(&plan, input)

	logger.Info("GeneratePlan: complete",
		"tasks", len(plan.Tasks),
		"continue_loop", plan.ContinueLoop,
		"tokens_used", completion.TokensUsed,
	)
	return &PlanResult{
		Plan:       plan,
		TokensUsed: completion.TokensUsed,
		ModelUsed:  completion.ModelUsed,
		CostUSD:    completion.CostUSD,
	}, nil
}

func buildPlanPrompt(input PlanInput) string {
	var sb strings.Builder
	sb.WriteString(`You are a research planning assistant. Decompose the research query into
focused subagent tasks for the current iteration. Each task gets its own searches; tasks run
in parallel, so they must not depend on each other.

## Response Format:
Return a JSON object:
{
  "goals": ["goal for this iteration", ...],
  "tasks": [
    {
      "task_id": "short-slug",
      "focus": "what this subagent should establish",
      "search_queries": ["query 1", "query 2"],
      "expected_output": "what evidence would satisfy this task"
    }
  ],
  "continue_loop": true,
  "stop_reason": ""
}

## Guidelines:
`)
	sb.WriteString(fmt.Sprintf("- Plan at most %d tasks; fewer is fine when the remaining ground is narrow.\n", input.Parallelism))
	sb.WriteString(fmt.Sprintf("- This is iteration %d of at most %d.\n", input.Iteration, input.MaxIterations))
	sb.WriteString(`- 1-3 concrete search queries per task; no duplicate queries across tasks.
- If the previous synthesis already answers the query, return an empty tasks list with
  continue_loop false and a stop_reason.
- Later iterations target gaps, not re-verification of settled ground.`)
	return sb.String()
}

func buildPlanContent(input PlanInput) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Research Query:\n%s\n\n", input.Query))
	if input.PreviousSynthesis != "" {
		sb.WriteString(fmt.Sprintf("## Understanding So Far:\n%s\n\n", input.PreviousSynthesis))
	}
	if len(input.OpenQuestions) > 0 {
		sb.WriteString("## Open Questions:\n")
		for _, q := range input.OpenQuestions {
			sb.WriteString("- " + q + "\n")
		}
	}
	return sb.String()
}

func parsePlanResponse(response string, iteration int) (models.IterationPlan, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return models.IterationPlan{}, fmt.Errorf("no JSON object found in response")
	}

	var parsed struct {
		Goals        []string              `json:"goals"`
		Tasks        []models.SubagentTask `json:"tasks"`
		ContinueLoop bool                  `json:"continue_loop"`
		StopReason   string                `json:"stop_reason"`
	}
	if err := json.Unmarshal([]byte(response[start:end+1]), &parsed); err != nil {
		return models.IterationPlan{}, fmt.Errorf("parse plan JSON: %w", err)
	}

	return models.IterationPlan{
		IterationIndex: iteration,
		Goals:          parsed.Goals,
		Tasks:          parsed.Tasks,
		ContinueLoop:   parsed.ContinueLoop,
		StopReason:     parsed.StopReason,
	}, nil
}

// normalizePlan repairs blank fields, de-conflicts task IDs within the run,
// and clamps the plan to the parallelism target.
func normalizePlan(plan *models.IterationPlan, input PlanInput) {
	if len(plan.Tasks) > input.Parallelism {
		plan.Tasks = plan.Tasks[:input.Parallelism]
	}

	seen := make(map[string]bool, len(plan.Tasks))
	kept := plan.Tasks[:0]
	for i := range plan.Tasks {
		task := plan.Tasks[i]
		if strings.TrimSpace(task.Focus) == "" && len(task.SearchQueries) == 0 {
			continue
		}
		var queries []string
		for _, q := range task.SearchQueries {
			if strings.TrimSpace(q) != "" {
				queries = append(queries, strings.TrimSpace(q))
			}
		}
		if len(queries) == 0 {
			queries = []string{task.Focus}
		}
		task.SearchQueries = queries

		id := strings.TrimSpace(task.TaskID)
		for n := len(kept) + 1; id == "" || seen[id]; n++ {
			id = fmt.Sprintf("iter%d-task%d", input.Iteration, n)
		}
		seen[id] = true
		task.TaskID = id
		kept = append(kept, task)
	}
	plan.Tasks = kept
}
