package report

import (
	"strings"
	"testing"

	"github.com/fathomlab/fathom/internal/models"
)

func ledgerFixture() []models.CitationEntry {
	return []models.CitationEntry{
		{Number: 1, URL: "https://example.com/a", Title: "Alpha Report", Publisher: "example.com", AccessedAt: "2026-03-01"},
		{Number: 2, URL: "https://other.org/b", Title: "Beta Study", Publisher: "other.org"},
	}
}

func TestRenderAppendsReferences(t *testing.T) {
	draft := models.FinalReportDraft{
		Title: "Findings",
		Body:  "## Executive Summary\n\nClaim one.[1] Claim two.[2]",
	}
	out := Render(draft, ledgerFixture(), "query")

	if !strings.HasPrefix(out, "# Findings\n") {
		t.Errorf("missing title heading:\n%s", out)
	}
	if !strings.Contains(out, "## References\n") {
		t.Errorf("missing References section:\n%s", out)
	}
	if !strings.Contains(out, `[1] example.com. "Alpha Report". https://example.com/a (accessed 2026-03-01)`) {
		t.Errorf("reference line malformed:\n%s", out)
	}
	if !strings.Contains(out, `[2] other.org. "Beta Study". https://other.org/b`) {
		t.Errorf("second reference malformed:\n%s", out)
	}
}

func TestRenderEmptyLedgerOmitsReferences(t *testing.T) {
	out := Render(models.FinalReportDraft{Body: "No sources here."}, nil, "fallback title")
	if strings.Contains(out, "References") {
		t.Errorf("empty ledger should omit References:\n%s", out)
	}
	if !strings.HasPrefix(out, "# fallback title\n") {
		t.Errorf("title should fall back to the query:\n%s", out)
	}
}

func TestRenderStripsModelEmittedReferences(t *testing.T) {
	draft := models.FinalReportDraft{
		Title: "T",
		Body:  "Body text.[1]\n\n## References\n\n[1] something the model invented\n",
	}
	out := Render(draft, ledgerFixture()[:1], "q")
	if strings.Contains(out, "model invented") {
		t.Errorf("model-emitted references survived:\n%s", out)
	}
	if strings.Count(out, "## References") != 1 {
		t.Errorf("expected exactly one References section:\n%s", out)
	}
}

func TestRenderKeepsExistingTopHeading(t *testing.T) {
	draft := models.FinalReportDraft{Title: "Ignored", Body: "# Already Titled\n\nBody."}
	out := Render(draft, nil, "q")
	if strings.Contains(out, "# Ignored") {
		t.Errorf("should not stack a second title:\n%s", out)
	}
}

func TestStripReferencesKeepsFollowingSection(t *testing.T) {
	body := "Intro.\n\n## References\n\n[1] x\n\n# Appendix\n\nMore."
	out := StripReferences(body)
	if strings.Contains(out, "[1] x") {
		t.Errorf("references content survived: %q", out)
	}
	if !strings.Contains(out, "# Appendix") {
		t.Errorf("section after references was lost: %q", out)
	}
}

func TestCollapseDuplicateMarkers(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"double", "Fact.[2][2]", "Fact.[2]"},
		{"triple", "Fact.[1][1][1]", "Fact.[1]"},
		{"distinct kept", "Fact.[1][2]", "Fact.[1][2]"},
		{"mixed", "Fact.[1][1][2][2][1]", "Fact.[1][2][1]"},
		{"no markers", "Plain text.", "Plain text."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CollapseDuplicateMarkers(tt.input); got != tt.expected {
				t.Errorf("CollapseDuplicateMarkers(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestRenderMarkerReferenceBijection(t *testing.T) {
	draft := models.FinalReportDraft{Title: "T", Body: "A.[1] B.[2] C.[1]"}
	out := Render(draft, ledgerFixture(), "q")

	refSection := out[strings.Index(out, "## References"):]
	for _, marker := range []string{"[1]", "[2]"} {
		if !strings.Contains(refSection, marker) {
			t.Errorf("marker %s has no reference line:\n%s", marker, refSection)
		}
	}
	if strings.Contains(refSection, "[3]") {
		t.Errorf("unexpected reference entry:\n%s", refSection)
	}
}
