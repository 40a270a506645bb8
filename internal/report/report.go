// Package report renders the final research report markdown. The body arrives
// with finalized citation markers; this package owns the document frame and the
// trailing References section.
package report

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fathomlab/fathom/internal/models"
)

var (
	referencesHeading = regexp.MustCompile(`(?mi)^#{1,3}\s*References\s*$`)
	markerRun         = regexp.MustCompile(`(?:\[\d+\]){2,}`)
	singleMarker      = regexp.MustCompile(`\[\d+\]`)
	topLevelHeading   = regexp.MustCompile(`(?m)^#\s`)
)

// Render assembles the published markdown: title, cleaned body, and a
// References section listing every ledger entry in marker order. An empty
// ledger omits the section entirely.
func Render(draft models.FinalReportDraft, ledger []models.CitationEntry, query string) string {
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		title = strings.TrimSpace(query)
	}

	body := StripReferences(draft.Body)
	body = CollapseDuplicateMarkers(body)
	body = strings.TrimSpace(body)

	var sb strings.Builder
	if title != "" && !strings.HasPrefix(body, "# ") {
		sb.WriteString("# ")
		sb.WriteString(title)
		sb.WriteString("\n\n")
	}
	sb.WriteString(body)

	if len(ledger) > 0 {
		sb.WriteString("\n\n## References\n\n")
		for _, entry := range ledger {
			sb.WriteString(formatReference(entry))
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// StripReferences removes any model-emitted References section so the
// deterministic one is the only one in the document. Everything from the
// heading to the next top-level heading (or end of document) is dropped.
func StripReferences(body string) string {
	loc := referencesHeading.FindStringIndex(body)
	if loc == nil {
		return body
	}
	head := body[:loc[0]]
	rest := body[loc[1]:]
	if next := topLevelHeading.FindStringIndex(rest); next != nil {
		return head + rest[next[0]:]
	}
	return strings.TrimRight(head, "\n")
}

// CollapseDuplicateMarkers rewrites immediate repeats of the same marker,
// [2][2] becomes [2]. Distinct adjacent markers are untouched.
func CollapseDuplicateMarkers(body string) string {
	return markerRun.ReplaceAllStringFunc(body, func(run string) string {
		tokens := singleMarker.FindAllString(run, -1)
		var sb strings.Builder
		prev := ""
		for _, tok := range tokens {
			if tok == prev {
				continue
			}
			sb.WriteString(tok)
			prev = tok
		}
		return sb.String()
	})
}

func formatReference(e models.CitationEntry) string {
	var parts []string
	if e.Publisher != "" {
		parts = append(parts, e.Publisher+".")
	}
	if e.Title != "" {
		parts = append(parts, fmt.Sprintf("%q.", e.Title))
	}
	parts = append(parts, e.URL)
	line := fmt.Sprintf("[%d] %s", e.Number, strings.Join(parts, " "))
	if e.AccessedAt != "" {
		line += fmt.Sprintf(" (accessed %s)", e.AccessedAt)
	}
	return line
}
