package activities

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/fathomlab/fathom/internal/metrics"
	"github.com/fathomlab/fathom/internal/models"
	"github.com/fathomlab/fathom/internal/provider"
)

// DraftInput asks the reporter to write the final report body against the
// provisional citation ledger.
type DraftInput struct {
	RunID       string                 `json:"run_id"`
	Query       string                 `json:"query"`
	Synthesis   string                 `json:"synthesis"`
	KeyFindings []string               `json:"key_findings,omitempty"`
	Sources     []models.CitationEntry `json:"sources"`
	DetailLevel models.DetailLevel     `json:"detail_level"`
	ModelTier   string                 `json:"model_tier,omitempty"`
}

// DraftResult carries the report draft plus usage metadata.
type DraftResult struct {
	Draft      models.FinalReportDraft `json:"draft"`
	TokensUsed int                     `json:"tokens_used"`
	ModelUsed  string                  `json:"model_used"`
	CostUSD    float64                 `json:"cost_usd"`
}

var detailGuidance = map[models.DetailLevel]string{
	models.DetailConcise:  "Write a tight report: a short overview and the key findings, roughly one page.",
	models.DetailStandard: "Write a structured report with sections per theme, two to four pages.",
	models.DetailHigh:     "Write an expansive report: thorough sections, context, and caveats per theme.",
}

// DraftReport writes the report body. Every factual claim must carry a [n]
// marker referencing the provisional ledger; markers are renumbered later, so
// the draft only needs to use valid provisional numbers.
func (a *Activities) DraftReport(ctx context.Context, input DraftInput) (*DraftResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("DraftReport: starting",
		"run_id", input.RunID,
		"sources", len(input.Sources),
		"detail_level", input.DetailLevel,
	)

	completion, err := a.provider.Complete(ctx, provider.CompletionRequest{
		Prompt:       buildDraftContent(input),
		SystemPrompt: buildDraftPrompt(input),
		ModelTier:    input.ModelTier,
		MaxTokens:    16384,
	})
	if err != nil {
		return nil, fmt.Errorf("report completion: %w", err)
	}
	metrics.ModelCalls.WithLabelValues("report").Inc()
	metrics.ModelTokensUsed.Observe(float64(completion.TokensUsed))
	if completion.CostUSD > 0 {
		metrics.ModelCostUSD.Observe(completion.CostUSD)
	}

	result := &DraftResult{
		TokensUsed: completion.TokensUsed,
		ModelUsed:  completion.ModelUsed,
		CostUSD:    completion.CostUSD,
	}

	body := strings.TrimSpace(completion.Text)
	if body == "" {
		logger.Warn("DraftReport: empty output, building fallback draft")
		result.Draft = fallbackDraft(input)
		return result, nil
	}

	result.Draft = models.FinalReportDraft{
		Title: draftTitle(body, input.Query),
		Body:  body,
	}

	logger.Info("DraftReport: complete",
		"body_len", len(body),
		"tokens_used", completion.TokensUsed,
	)
	return result, nil
}

// draftTitle pulls the title from a leading markdown heading, falling back to
// the query.
func draftTitle(body, query string) string {
	if strings.HasPrefix(body, "# ") {
		line := body
		if idx := strings.Index(body, "\n"); idx > 0 {
			line = body[:idx]
		}
		if t := strings.TrimSpace(strings.TrimPrefix(line, "# ")); t != "" {
			return t
		}
	}
	return query
}

// fallbackDraft builds a minimal cited report from the synthesis and findings.
// Each finding cites the first provisional source so the ledger survives
// finalization even when the model produced nothing.
func fallbackDraft(input DraftInput) models.FinalReportDraft {
	var sb strings.Builder
	sb.WriteString("## Overview\n\n")
	sb.WriteString(strings.TrimSpace(input.Synthesis))
	sb.WriteString("\n")
	if len(input.KeyFindings) > 0 {
		sb.WriteString("\n## Key Findings\n\n")
		for i, finding := range input.KeyFindings {
			marker := ""
			if len(input.Sources) > 0 {
				marker = fmt.Sprintf("[%d]", input.Sources[i%len(input.Sources)].Number)
			}
			sb.WriteString(fmt.Sprintf("- %s%s\n", strings.TrimSpace(finding), marker))
		}
	}
	return models.FinalReportDraft{
		Title: input.Query,
		Body:  sb.String(),
	}
}

func buildDraftPrompt(input DraftInput) string {
	var sb strings.Builder
	sb.WriteString(`You are a research report writer. Write the final markdown report for the
research query using ONLY the synthesis and the numbered source list below.

## Citation Rules (strict):
- Cite with square-bracket markers like [3] immediately after the claim they support.
- Use ONLY numbers from the source list. NEVER invent a number, a URL, or a source.
- Every paragraph with factual claims needs at least one marker.
- Do NOT write a References or Sources section; it is appended separately.

## Format:
- Markdown, starting with a single "# Title" line.
- Section headings with "##".
`)
	if guidance, ok := detailGuidance[input.DetailLevel]; ok {
		sb.WriteString("- " + guidance + "\n")
	}
	return sb.String()
}

func buildDraftContent(input DraftInput) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Research Query:\n%s\n\n", input.Query))
	sb.WriteString(fmt.Sprintf("## Synthesis:\n%s\n\n", input.Synthesis))
	if len(input.KeyFindings) > 0 {
		sb.WriteString("## Key Findings:\n")
		for _, f := range input.KeyFindings {
			sb.WriteString("- " + f + "\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("## Sources:\n")
	for _, src := range input.Sources {
		title := src.Title
		if title == "" {
			title = "Untitled"
		}
		sb.WriteString(fmt.Sprintf("[%d] %s :: %s\n", src.Number, title, src.URL))
	}
	return sb.String()
}
