package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbor/internal/graph"
)

func findByCategory(findings []Finding, c Category) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Category == c {
			out = append(out, f)
		}
	}
	return out
}

func TestPreScanCleanGraph(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemory()

	plants, err := store.CreateNode(ctx, graph.Node{Title: "Plants", ParentID: graph.RootID})
	require.NoError(t, err)
	_, err = store.CreateNode(ctx, graph.Node{Title: "Ferns", ParentID: plants})
	require.NoError(t, err)

	findings, err := preScan(ctx, store, time.Now())
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestPreScanFindsOrphans(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemory()

	lost, err := store.CreateNode(ctx, graph.Node{Title: "Lost note"})
	require.NoError(t, err)

	findings, err := preScan(ctx, store, time.Now())
	require.NoError(t, err)

	orphans := findByCategory(findings, CategoryOrphan)
	require.Len(t, orphans, 1)
	assert.Equal(t, []string{lost}, orphans[0].NodeIDs)
	assert.Equal(t, SourcePreScan, orphans[0].Source)
	assert.Equal(t, SeverityWarning, orphans[0].Severity)
}

func TestPreScanLinkReachabilityCountsAsAttached(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemory()

	// No parent, but linked from the root: reachable, not an orphan.
	island, err := store.CreateNode(ctx, graph.Node{Title: "Linked island"})
	require.NoError(t, err)
	_, err = store.AddLink(ctx, graph.Link{From: graph.RootID, To: island, Relation: "related"})
	require.NoError(t, err)

	findings, err := preScan(ctx, store, time.Now())
	require.NoError(t, err)
	assert.Empty(t, findByCategory(findings, CategoryOrphan))
}

func TestPreScanFindsBrokenAndSelfLinks(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemory()

	dangling, err := store.AddLink(ctx, graph.Link{From: graph.RootID, To: "ghost", Relation: "related"})
	require.NoError(t, err)
	self, err := store.AddLink(ctx, graph.Link{From: graph.RootID, To: graph.RootID, Relation: "related"})
	require.NoError(t, err)

	findings, err := preScan(ctx, store, time.Now())
	require.NoError(t, err)

	broken := findByCategory(findings, CategoryBrokenLink)
	require.Len(t, broken, 2)

	bySeverity := map[Severity][]string{}
	for _, f := range broken {
		bySeverity[f.Severity] = append(bySeverity[f.Severity], f.LinkIDs[0])
	}
	assert.Equal(t, []string{dangling}, bySeverity[SeverityCritical], "missing endpoint is critical")
	assert.Equal(t, []string{self}, bySeverity[SeverityWarning], "self link is a warning")
}

func TestPreScanFindsExpiredNodes(t *testing.T) {
	ctx := context.Background()
	store := graph.NewMemory()
	now := time.Now()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	expired, err := store.CreateNode(ctx, graph.Node{Title: "Old event", ParentID: graph.RootID, ValidUntil: &past})
	require.NoError(t, err)
	_, err = store.CreateNode(ctx, graph.Node{Title: "Upcoming event", ParentID: graph.RootID, ValidUntil: &future})
	require.NoError(t, err)

	findings, err := preScan(ctx, store, now)
	require.NoError(t, err)

	got := findByCategory(findings, CategoryExpired)
	require.Len(t, got, 1)
	assert.Equal(t, []string{expired}, got[0].NodeIDs)
}
