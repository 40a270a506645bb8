package activities

import (
	"reflect"
	"testing"

	"github.com/fathomlab/fathom/internal/models"
)

func TestParsePlanResponse(t *testing.T) {
	response := "Here is the plan:\n" + `{
        "goals": ["map the landscape"],
        "tasks": [
            {"task_id": "landscape", "focus": "survey the field", "search_queries": ["field survey 2026"]}
        ],
        "continue_loop": true,
        "stop_reason": ""
    }` + "\nDone."

	plan, err := parsePlanResponse(response, 1)
	if err != nil {
		t.Fatalf("parsePlanResponse() error = %v", err)
	}
	if plan.IterationIndex != 1 {
		t.Errorf("IterationIndex = %d, want 1", plan.IterationIndex)
	}
	if len(plan.Tasks) != 1 || plan.Tasks[0].TaskID != "landscape" {
		t.Errorf("unexpected tasks: %+v", plan.Tasks)
	}
	if !plan.ContinueLoop {
		t.Error("ContinueLoop = false, want true")
	}
}

func TestParsePlanResponseNoJSON(t *testing.T) {
	if _, err := parsePlanResponse("I could not produce a plan.", 1); err == nil {
		t.Error("expected error for response without JSON")
	}
}

func TestNormalizePlan(t *testing.T) {
	tests := []struct {
		name        string
		tasks       []models.SubagentTask
		parallelism int
		wantIDs     []string
		wantQueries [][]string
	}{
		{
			name: "clamps to parallelism",
			tasks: []models.SubagentTask{
				{TaskID: "a", Focus: "a", SearchQueries: []string{"qa"}},
				{TaskID: "b", Focus: "b", SearchQueries: []string{"qb"}},
				{TaskID: "c", Focus: "c", SearchQueries: []string{"qc"}},
			},
			parallelism: 2,
			wantIDs:     []string{"a", "b"},
			wantQueries: [][]string{{"qa"}, {"qb"}},
		},
		{
			name: "drops empty tasks",
			tasks: []models.SubagentTask{
				{TaskID: "keep", Focus: "keep", SearchQueries: []string{"q"}},
				{TaskID: "drop"},
			},
			parallelism: 4,
			wantIDs:     []string{"keep"},
			wantQueries: [][]string{{"q"}},
		},
		{
			name: "repairs blank queries from focus",
			tasks: []models.SubagentTask{
				{TaskID: "t", Focus: "the focus", SearchQueries: []string{"  ", ""}},
			},
			parallelism: 4,
			wantIDs:     []string{"t"},
			wantQueries: [][]string{{"the focus"}},
		},
		{
			name: "deduplicates and fills task ids",
			tasks: []models.SubagentTask{
				{TaskID: "dup", Focus: "first", SearchQueries: []string{"q1"}},
				{TaskID: "dup", Focus: "second", SearchQueries: []string{"q2"}},
				{Focus: "third", SearchQueries: []string{"q3"}},
			},
			parallelism: 4,
			wantIDs:     []string{"dup", "iter2-task2", "iter2-task3"},
			wantQueries: [][]string{{"q1"}, {"q2"}, {"q3"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := models.IterationPlan{IterationIndex: 2, Tasks: tt.tasks}
			normalizePlan(&plan, PlanInput{Iteration: 2, Parallelism: tt.parallelism})

			var ids []string
			var queries [][]string
			for _, task := range plan.Tasks {
				ids = append(ids, task.TaskID)
				queries = append(queries, task.SearchQueries)
			}
			if !reflect.DeepEqual(ids, tt.wantIDs) {
				t.Errorf("task IDs = %v, want %v", ids, tt.wantIDs)
			}
			if !reflect.DeepEqual(queries, tt.wantQueries) {
				t.Errorf("queries = %v, want %v", queries, tt.wantQueries)
			}
		})
	}
}

func TestNormalizePlanAvoidsExplicitIDCollision(t *testing.T) {
	plan := models.IterationPlan{
		IterationIndex: 1,
		Tasks: []models.SubagentTask{
			{TaskID: "iter1-task2", Focus: "explicit", SearchQueries: []string{"q1"}},
			{Focus: "generated", SearchQueries: []string{"q2"}},
		},
	}
	normalizePlan(&plan, PlanInput{Iteration: 1, Parallelism: 4})

	seen := make(map[string]bool)
	for _, task := range plan.Tasks {
		if seen[task.TaskID] {
			t.Fatalf("duplicate task ID %q after normalization", task.TaskID)
		}
		seen[task.TaskID] = true
	}
}
