package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/fathomlab/fathom/internal/citations"
	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/provider"
)

const (
	snippetFallbackLen  = 320
	extractFallbackLen  = 2200
	fallbackConfidence  = 0.45
	searchHitConfidence = 0.33
)

// SubagentTaskInput executes one planned task: search, fetch, extract.
type SubagentTaskInput struct {
	RunID              string              `json:"run_id"`
	Task               models.SubagentTask `json:"task"`
	Iteration          int                 `json:"iteration"`
	MaxResultsPerQuery int                 `json:"max_results_per_query"`
	MaxPagesPerTask    int                 `json:"max_pages_per_task"`
	ModelTier          string              `json:"model_tier,omitempty"`
}

// SubagentTaskResult carries the task's evidence batch plus usage metadata.
type SubagentTaskResult struct {
	TaskID     string                  `json:"task_id"`
	Evidence   []models.EvidenceRecord `json:"evidence"`
	ModelCalls int                     `json:"model_calls"`
	TokensUsed int                     `json:"tokens_used"`
	CostUSD    float64                 `json:"cost_usd"`
}

// ExecuteSubagentTask runs one subagent task end to end. Page-level failures
// degrade to weaker evidence instead of failing the task; only a task with no
// reachable search backend errors out.
func (a *Activities) ExecuteSubagentTask(ctx context.Context, input SubagentTaskInput) (*SubagentTaskResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("ExecuteSubagentTask: starting",
		"run_id", input.RunID,
		"task_id", input.Task.TaskID,
		"queries", len(input.Task.SearchQueries),
	)
	started := time.Now()

	result := &SubagentTaskResult{TaskID: input.Task.TaskID}

	// search phase: gather hits across all queries, dedup by normalized URL
	seen := make(map[string]bool)
	var hits []provider.SearchHit
	hitQuery := make(map[string]string)
	var searchErrs int
	for _, query := range input.Task.SearchQueries {
		found, err := a.provider.Search(ctx, query, input.MaxResultsPerQuery)
		if err != nil {
			logger.Warn("ExecuteSubagentTask: search failed",
				"task_id", input.Task.TaskID,
				"query", truncateStr(query, 80),
				"error", err,
			)
			searchErrs++
			continue
		}
		for _, hit := range found {
			key := citations.NormalizeURL(hit.URL)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			hits = append(hits, hit)
			hitQuery[hit.URL] = query
		}
		activity.RecordHeartbeat(ctx, fmt.Sprintf("searched %q", query))
	}
	if len(hits) == 0 {
		if searchErrs == len(input.Task.SearchQueries) && searchErrs > 0 {
			return nil, fmt.Errorf("all %d searches failed for task %s", searchErrs, input.Task.TaskID)
		}
		logger.Info("ExecuteSubagentTask: no hits", "task_id", input.Task.TaskID)
		metrics.TasksExecuted.WithLabelValues("empty").Inc()
		return result, nil
	}

	// fetch phase: read the first pages, fall back to search-hit evidence for
	// the rest and for unfetchable pages
	now := time.Now().UTC()
	for i, hit := range hits {
		if i < input.MaxPagesPerTask {
			page, err := a.provider.Fetch(ctx, hit.URL)
			if err != nil {
				var fe *models.FetchError
				if !errors.As(err, &fe) {
					return nil, err
				}
				logger.Warn("ExecuteSubagentTask: page fetch failed, degrading to search hit",
					"task_id", input.Task.TaskID,
					"url", hit.URL,
				)
				result.Evidence = append(result.Evidence, searchHitEvidence(input, hit, hitQuery[hit.URL], now))
				continue
			}
			ev := a.extractEvidence(ctx, input, hit, page, hitQuery[hit.URL], now, result)
			result.Evidence = append(result.Evidence, ev)
			activity.RecordHeartbeat(ctx, fmt.Sprintf("fetched %d/%d pages", i+1, input.MaxPagesPerTask))
			continue
		}
		result.Evidence = append(result.Evidence, searchHitEvidence(input, hit, hitQuery[hit.URL], now))
	}

	metrics.TasksExecuted.WithLabelValues("ok").Inc()
	metrics.TaskDuration.Observe(time.Since(started).Seconds())
	metrics.EvidenceCollected.Add(float64(len(result.Evidence)))

	logger.Info("ExecuteSubagentTask: complete",
		"task_id", input.Task.TaskID,
		"evidence", len(result.Evidence),
		"model_calls", result.ModelCalls,
	)
	return result, nil
}

// extractEvidence asks the model to distill a fetched page into a snippet and
// supporting text. Unusable model output degrades to truncated raw text.
func (a *Activities) extractEvidence(ctx context.Context, input SubagentTaskInput, hit provider.SearchHit, page provider.Page, query string, now time.Time, result *SubagentTaskResult) models.EvidenceRecord {
	logger := activity.GetLogger(ctx)

	ev := models.EvidenceRecord{
		EvidenceID:  uuid.NewString(),
		TaskID:      input.Task.TaskID,
		Query:       query,
		URL:         page.URL,
		Title:       firstNonEmpty(page.Title, hit.Title),
		CollectedAt: now,
	}

	completion, err := a.provider.Complete(ctx, provider.CompletionRequest{
		Prompt:       buildExtractionContent(input.Task, query, page),
		SystemPrompt: extractionPrompt,
		ModelTier:    input.ModelTier,
		MaxTokens:    2048,
	})
	if err == nil {
		result.ModelCalls++
		result.TokensUsed += completion.TokensUsed
		result.CostUSD += completion.CostUSD
		metrics.ModelCalls.WithLabelValues("extract").Inc()
		metrics.ModelTokensUsed.Observe(float64(completion.TokensUsed))
		if completion.CostUSD > 0 {
			metrics.ModelCostUSD.Observe(completion.CostUSD)
		}

		var parsed struct {
			Snippet    string  `json:"snippet"`
			Extracted  string  `json:"extracted_text"`
			Confidence float64 `json:"confidence"`
		}
		if jerr := decodeJSONObject(completion.Text, &parsed); jerr == nil && parsed.Snippet != "" {
			ev.Snippet = parsed.Snippet
			ev.ExtractedText = parsed.Extracted
			ev.Confidence = clamp01(parsed.Confidence)
			ev.Fingerprint = citations.Fingerprint(ev.ExtractedText + ev.Snippet)
			return ev
		}
		logger.Warn("ExecuteSubagentTask: extraction output unusable, truncating raw text",
			"task_id", input.Task.TaskID,
			"url", page.URL,
		)
	} else {
		logger.Warn("ExecuteSubagentTask: extraction call failed, truncating raw text",
			"task_id", input.Task.TaskID,
			"url", page.URL,
			"error", err,
		)
	}

	ev.Snippet = truncateStr(strings.TrimSpace(page.Text), snippetFallbackLen)
	ev.ExtractedText = truncateStr(strings.TrimSpace(page.Text), extractFallbackLen)
	ev.Confidence = fallbackConfidence
	ev.Fingerprint = citations.Fingerprint(ev.ExtractedText + ev.Snippet)
	return ev
}

// searchHitEvidence builds the weakest evidence tier from a bare search hit.
func searchHitEvidence(input SubagentTaskInput, hit provider.SearchHit, query string, now time.Time) models.EvidenceRecord {
	ev := models.EvidenceRecord{
		EvidenceID:  uuid.NewString(),
		TaskID:      input.Task.TaskID,
		Query:       query,
		URL:         hit.URL,
		Title:       hit.Title,
		Snippet:     hit.Snippet,
		Confidence:  searchHitConfidence,
		CollectedAt: now,
	}
	ev.Fingerprint = citations.Fingerprint(ev.Snippet)
	return ev
}

const extractionPrompt = `You are a research extraction assistant. Given a fetched web page and the
task focus, extract only what is relevant.

Return a JSON object:
{
  "snippet": "1-3 sentence summary of what this page contributes to the task",
  "extracted_text": "the relevant passages, lightly trimmed, verbatim where possible",
  "confidence": 0.8
}

Guidelines:
- Keep numbers, dates, names, and version strings verbatim.
- confidence reflects how directly the page addresses the task focus (0.0-1.0).
- If the page is irrelevant, return a one-line snippet saying so with confidence 0.1.`

func buildExtractionContent(task models.SubagentTask, query string, page provider.Page) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Task Focus:\n%s\n\n", task.Focus))
	sb.WriteString(fmt.Sprintf("## Search Query:\n%s\n\n", query))
	sb.WriteString(fmt.Sprintf("## Page (%s):\n%s\n", page.URL, truncateStr(page.Text, 12000)))
	return sb.String()
}

func decodeJSONObject(response string, out interface{}) error {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return fmt.Errorf("no JSON object found in response")
	}
	return json.Unmarshal([]byte(response[start:end+1]), out)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
