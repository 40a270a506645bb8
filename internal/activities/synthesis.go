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

// SynthesisInput folds one iteration's evidence batch into the running
// understanding. Only the new batch is passed; prior evidence is represented
// by the previous synthesis.
type SynthesisInput struct {
	RunID             string                  `json:"run_id"`
	Query             string                  `json:"query"`
	Iteration         int                     `json:"iteration"`
	MaxIterations     int                     `json:"max_iterations"`
	PreviousSynthesis string                  `json:"previous_synthesis,omitempty"`
	Evidence          []models.EvidenceRecord `json:"evidence"`
	ModelTier         string                  `json:"model_tier,omitempty"`
}

// SynthesisResult carries the folded synthesis plus usage metadata.
type SynthesisResult struct {
	Synthesis  models.IterationSynthesis `json:"synthesis"`
	TokensUsed int                       `json:"tokens_used"`
	ModelUsed  string                    `json:"model_used"`
	CostUSD    float64                   `json:"cost_usd"`
}

// SynthesizeIteration combines the previous synthesis with the new evidence
// batch and decides whether another iteration is warranted. Unusable provider
// output degrades to a deterministic synthesis that stops the loop.
func (a *Activities) SynthesizeIteration(ctx context.Context, input SynthesisInput) (*SynthesisResult, error) {
	logger := activity.GetLogger(ctx)
	logger.Info("SynthesizeIteration: starting",
		"run_id", input.RunID,
		"iteration", input.Iteration,
		"evidence", len(input.Evidence),
		"has_previous", input.PreviousSynthesis != "",
	)

	completion, err := a.provider.Complete(ctx, provider.CompletionRequest{
		Prompt:       buildSynthesisContent(input),
		SystemPrompt: buildSynthesisPrompt(input),
		ModelTier:    input.ModelTier,
		MaxTokens:    8192,
	})
	if err != nil {
		return nil, fmt.Errorf("synthesis completion: %w", err)
	}
	metrics.ModelCalls.WithLabelValues("synthesize").Inc()
	metrics.ModelTokensUsed.Observe(float64(completion.TokensUsed))
	if completion.CostUSD > 0 {
		metrics.ModelCostUSD.Observe(completion.CostUSD)
	}

	result := &SynthesisResult{
		TokensUsed: completion.TokensUsed,
		ModelUsed:  completion.ModelUsed,
		CostUSD:    completion.CostUSD,
	}

	var parsed struct {
		Summary       string   `json:"summary"`
		KeyFindings   []string `json:"key_findings"`
		OpenQuestions []string `json:"open_questions"`
		ContinueLoop  bool     `json:"continue_loop"`
		StopReason    string   `json:"stop_reason"`
	}
	if jerr := decodeJSONObject(completion.Text, &parsed); jerr != nil || strings.TrimSpace(parsed.Summary) == "" {
		logger.Warn("SynthesizeIteration: unusable output, building fallback synthesis", "error", jerr)
		result.Synthesis = fallbackSynthesis(input)
		return result, nil
	}

	result.Synthesis = models.IterationSynthesis{
		IterationIndex: input.Iteration,
		Summary:        parsed.Summary,
		KeyFindings:    parsed.KeyFindings,
		OpenQuestions:  parsed.OpenQuestions,
		ContinueLoop:   parsed.ContinueLoop,
		StopReason:     parsed.StopReason,
	}

	logger.Info("SynthesizeIteration: complete",
		"continue_loop", result.Synthesis.ContinueLoop,
		"key_findings", len(result.Synthesis.KeyFindings),
		"tokens_used", completion.TokensUsed,
	)
	return result, nil
}

// fallbackSynthesis builds a deterministic synthesis from evidence snippets.
// It always stops the loop: without a real continue decision, stopping is the
// safe default.
func fallbackSynthesis(input SynthesisInput) models.IterationSynthesis {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Evidence collected for %q:\n", input.Query))
	var findings []string
	for _, ev := range input.Evidence {
		if strings.TrimSpace(ev.Snippet) == "" {
			continue
		}
		line := fmt.Sprintf("%s (%s)", strings.TrimSpace(ev.Snippet), ev.URL)
		findings = append(findings, line)
		sb.WriteString("- " + line + "\n")
	}
	if input.PreviousSynthesis != "" {
		sb.WriteString("\nPrior understanding:\n" + input.PreviousSynthesis + "\n")
	}
	return models.IterationSynthesis{
		IterationIndex: input.Iteration,
		Summary:        sb.String(),
		KeyFindings:    findings,
		ContinueLoop:   false,
		StopReason:     "synthesis output unusable, stopping on collected evidence",
	}
}

func buildSynthesisPrompt(input SynthesisInput) string {
	var sb strings.Builder
	sb.WriteString(`You are a research synthesis assistant. Fold the new evidence batch into the
running understanding. Preserve concrete facts verbatim; deduplicate only exact repeats.

## Response Format:
Return a JSON object:
{
  "summary": "updated understanding incorporating the new evidence",
  "key_findings": ["atomic fact with concrete details", ...],
  "open_questions": ["what remains unresolved", ...],
  "continue_loop": false,
  "stop_reason": "why research can stop, if it can"
}

## Guidelines:
`)
	sb.WriteString(fmt.Sprintf("- This is iteration %d of at most %d.\n", input.Iteration, input.MaxIterations))
	sb.WriteString(`- continue_loop true ONLY when open questions are material AND budget remains.
- When in doubt, stop: set continue_loop false with a stop_reason.
- Keep numbers, dates, names, and versions exactly as the evidence states them.
- Do NOT invent citations or URLs.`)
	return sb.String()
}

func buildSynthesisContent(input SynthesisInput) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Research Query:\n%s\n\n", input.Query))
	if input.PreviousSynthesis != "" {
		sb.WriteString(fmt.Sprintf("## Previous Synthesis:\n%s\n\n", input.PreviousSynthesis))
	}
	sb.WriteString("## New Evidence:\n\n")
	for i, ev := range input.Evidence {
		sb.WriteString(fmt.Sprintf("### Evidence %d (%s):\n", i+1, ev.URL))
		if ev.Title != "" {
			sb.WriteString("Title: " + ev.Title + "\n")
		}
		sb.WriteString(fmt.Sprintf("Confidence: %.2f\n", ev.Confidence))
		if ev.Snippet != "" {
			sb.WriteString("Snippet: " + ev.Snippet + "\n")
		}
		if ev.ExtractedText != "" {
			sb.WriteString(truncateStr(ev.ExtractedText, 4000) + "\n")
		}
		sb.WriteString("\n---\n\n")
	}
	return sb.String()
}
