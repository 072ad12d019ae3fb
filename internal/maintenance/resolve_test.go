package maintenance

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketForCategories(t *testing.T) {
	cases := []struct {
		category Category
		severity Severity
		want     bucket
	}{
		{CategoryBrokenLink, SeverityWarning, bucketCritical},
		{CategoryOrphan, SeverityWarning, bucketLinkRelation},
		{CategoryLinkRelation, SeveritySuggestion, bucketLinkRelation},
		{CategoryDuplicate, SeverityWarning, bucketDuplicateContradiction},
		{CategoryContradiction, SeverityWarning, bucketDuplicateContradiction},
		{CategoryEnhancement, SeveritySuggestion, bucketEnhancement},
		{CategoryCleanup, SeveritySuggestion, bucketCleanup},
		{CategoryExpired, SeverityWarning, bucketCleanup},
		// Critical severity wins regardless of category.
		{CategoryEnhancement, SeverityCritical, bucketCritical},
		{CategoryCleanup, SeverityCritical, bucketCritical},
	}
	for _, tc := range cases {
		got := bucketFor(Finding{Category: tc.category, Severity: tc.severity})
		assert.Equal(t, tc.want, got, "%s/%s", tc.category, tc.severity)
	}
}

func makeFindings(n int, severity Severity) []Finding {
	out := make([]Finding, n)
	for i := range out {
		out[i] = Finding{
			ID:       fmt.Sprintf("f-%s-%d", severity, i),
			Category: CategoryCleanup,
			Severity: severity,
			Title:    fmt.Sprintf("finding %d", i),
		}
	}
	return out
}

func TestNeedsSplitPassesBoundary(t *testing.T) {
	m := NewManager(Options{}, nil, nil) // default threshold 50

	assert.False(t, m.needsSplitPasses(makeFindings(50, SeverityWarning)))
	assert.True(t, m.needsSplitPasses(makeFindings(51, SeverityWarning)))
}

func TestSplitFindingsPartitions(t *testing.T) {
	findings := append(makeFindings(30, SeverityWarning), makeFindings(25, SeveritySuggestion)...)
	findings = append(findings, makeFindings(2, SeverityCritical)...)

	primary, suggestions := splitFindings(findings)

	assert.Len(t, primary, 32, "everything that is not a suggestion")
	assert.Len(t, suggestions, 25, "exactly the suggestions")

	// Union equals input with no overlap.
	seen := map[string]int{}
	for _, f := range append(primary, suggestions...) {
		seen[f.ID]++
	}
	require.Len(t, seen, len(findings))
	for id, count := range seen {
		assert.Equal(t, 1, count, "finding %s appears in exactly one pass", id)
	}
	for _, f := range suggestions {
		assert.Equal(t, SeveritySuggestion, f.Severity)
	}
}

func TestBuildResolverPromptBucketOrder(t *testing.T) {
	prompt := buildResolverPrompt([]Finding{
		{Category: CategoryCleanup, Severity: SeveritySuggestion, Title: "Trim stale note", Description: "d"},
		{Category: CategoryBrokenLink, Severity: SeverityCritical, Title: "Dangling link", Description: "d", LinkIDs: []string{"l1"}},
		{Category: CategoryDuplicate, Severity: SeverityWarning, Title: "Merge fern notes", Description: "d", NodeIDs: []string{"n1", "n2"}},
		{Category: CategoryEnhancement, Severity: SeveritySuggestion, Title: "Expand moss entry", Description: "d", SuggestedAction: "add examples"},
	})

	// Sections appear in priority order.
	critical := strings.Index(prompt, "Critical issues")
	dup := strings.Index(prompt, "Duplicate and contradiction resolution")
	enh := strings.Index(prompt, "Enhancement opportunities")
	cleanup := strings.Index(prompt, "Cleanup")
	require.True(t, critical >= 0 && dup > critical && enh > dup && cleanup > enh, "got order %d %d %d %d", critical, dup, enh, cleanup)

	assert.NotContains(t, prompt, "Link relation fixes", "empty buckets are omitted")
	assert.Contains(t, prompt, "links: l1")
	assert.Contains(t, prompt, "nodes: n1, n2")
	assert.Contains(t, prompt, "Suggested: add examples")
	assert.Contains(t, prompt, "Resolve the following 4 findings.")
}
