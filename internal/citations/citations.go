// Package citations builds the numbered source ledger for a research run and
// finalizes the markers in a drafted report.
//
// Numbering is stable: provisional sources are ordered by normalized URL, so
// the order in which evidence was collected never influences the ledger, and
// finalization renumbers markers by first appearance in the draft body so the
// published report reads [1], [2], ... with no gaps.
package citations

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fathomlab/fathom/internal/models"
)

// markerPattern matches numeric citation markers like [3] in report bodies.
var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// NormalizeURL canonicalizes a URL for identity comparison: lowercases scheme
// and host, strips fragments and default ports, sorts query parameters, and
// trims a trailing slash from non-root paths. Unparseable input is returned
// trimmed so grouping still degrades to exact-string identity.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	if h, p, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && p == "80") || (u.Scheme == "https" && p == "443") {
			u.Host = h
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		u.RawQuery = q.Encode() // Encode sorts keys
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

// Fingerprint hashes the semantic content of an evidence record so near-identical
// captures of the same page collapse during dedup.
func Fingerprint(text string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// Dedupe removes evidence records that duplicate an earlier record's normalized
// URL and content fingerprint. The first occurrence wins; records with distinct
// content from the same URL are all kept.
func Dedupe(evidence []models.EvidenceRecord) []models.EvidenceRecord {
	seen := make(map[string]struct{}, len(evidence))
	out := make([]models.EvidenceRecord, 0, len(evidence))
	for _, ev := range evidence {
		fp := ev.Fingerprint
		if fp == "" {
			fp = Fingerprint(ev.ExtractedText + ev.Snippet)
		}
		key := NormalizeURL(ev.URL) + "\x00" + fp
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ev)
	}
	return out
}

// BuildProvisional groups the cumulative evidence set by normalized URL into a
// numbered source list. The list is ordered by normalized URL, so two runs that
// collect the same evidence in different orders produce identical ledgers.
func BuildProvisional(evidence []models.EvidenceRecord) []models.CitationEntry {
	groups := make(map[string][]models.EvidenceRecord)
	for _, ev := range evidence {
		if strings.TrimSpace(ev.URL) == "" {
			continue
		}
		key := NormalizeURL(ev.URL)
		groups[key] = append(groups[key], ev)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]models.CitationEntry, 0, len(keys))
	for i, key := range keys {
		members := groups[key]
		sort.Slice(members, func(a, b int) bool { return members[a].EvidenceID < members[b].EvidenceID })

		entry := models.CitationEntry{
			Number:    i + 1,
			URL:       key,
			Publisher: publisherFor(key),
		}
		for _, ev := range members {
			entry.EvidenceIDs = append(entry.EvidenceIDs, ev.EvidenceID)
			if entry.Title == "" && strings.TrimSpace(ev.Title) != "" {
				entry.Title = strings.TrimSpace(ev.Title)
			}
			if ts := ev.CollectedAt; !ts.IsZero() {
				day := ts.UTC().Format("2006-01-02")
				if entry.AccessedAt == "" || day < entry.AccessedAt {
					entry.AccessedAt = day
				}
			}
		}
		if entry.Title == "" {
			entry.Title = "Untitled"
		}
		entries = append(entries, entry)
	}
	return entries
}

// Finalize rewrites the draft body so markers follow first-appearance order and
// returns the ledger restricted to sources the body actually cites. A marker
// outside the provisional range is a hard integrity failure, never dropped.
// Running Finalize on its own output is a no-op.
func Finalize(body string, provisional []models.CitationEntry) (string, []models.CitationEntry, error) {
	byNumber := make(map[int]models.CitationEntry, len(provisional))
	for _, e := range provisional {
		byNumber[e.Number] = e
	}

	remap := make(map[int]int)
	var order []int
	var integrityErr error
	for _, m := range markerPattern.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := byNumber[n]; !ok {
			if integrityErr == nil {
				integrityErr = &models.CitationIntegrityError{Marker: n, Max: len(provisional)}
			}
			continue
		}
		if _, mapped := remap[n]; !mapped {
			remap[n] = len(order) + 1
			order = append(order, n)
		}
	}
	if integrityErr != nil {
		return "", nil, integrityErr
	}

	rewritten := markerPattern.ReplaceAllStringFunc(body, func(tok string) string {
		n, _ := strconv.Atoi(strings.Trim(tok, "[]"))
		return fmt.Sprintf("[%d]", remap[n])
	})

	final := make([]models.CitationEntry, 0, len(order))
	for i, n := range order {
		entry := byNumber[n]
		entry.Number = i + 1
		final = append(final, entry)
	}
	return rewritten, final, nil
}

// UsedMarkers returns the distinct marker numbers appearing in body, in first
// appearance order.
func UsedMarkers(body string) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, m := range markerPattern.FindAllStringSubmatch(body, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

func publisherFor(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(u.Host, "www.")
}
