package maintenance

import (
	"context"
	"fmt"
	"time"

	"arbor/internal/graph"
	"arbor/internal/logging"
)

// preScan runs the synchronous structural checks: BFS reachability
// from the root for orphans, link endpoint validation, and expired
// temporal validity windows. No subprocess is involved.
func preScan(ctx context.Context, store graph.Engine, now time.Time) ([]Finding, error) {
	gc, err := store.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load graph context: %w", err)
	}

	var findings []Finding

	nodes := make(map[string]graph.Node, len(gc.Nodes))
	for _, n := range gc.Nodes {
		nodes[n.ID] = n
	}

	// Adjacency: parent->child containment plus directed links.
	adj := make(map[string][]string, len(nodes))
	for _, n := range gc.Nodes {
		if n.ParentID != "" {
			adj[n.ParentID] = append(adj[n.ParentID], n.ID)
		}
	}
	for _, l := range gc.Links {
		adj[l.From] = append(adj[l.From], l.To)
	}

	// BFS from root.
	reachable := map[string]bool{gc.RootID: true}
	queue := []string{gc.RootID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, n := range gc.Nodes {
		if n.ID == gc.RootID {
			continue
		}
		if !reachable[n.ID] {
			findings = append(findings, Finding{
				ID:          newFindingID(),
				Category:    CategoryOrphan,
				Severity:    SeverityWarning,
				Source:      SourcePreScan,
				Title:       "Orphaned node",
				Description: fmt.Sprintf("node %q (%s) is not reachable from the root", n.Title, n.ID),
				NodeIDs:     []string{n.ID},
			})
		}
		if n.ValidUntil != nil && n.ValidUntil.Before(now) {
			findings = append(findings, Finding{
				ID:          newFindingID(),
				Category:    CategoryExpired,
				Severity:    SeverityWarning,
				Source:      SourcePreScan,
				Title:       "Expired node",
				Description: fmt.Sprintf("node %q (%s) expired at %s", n.Title, n.ID, n.ValidUntil.Format(time.RFC3339)),
				NodeIDs:     []string{n.ID},
			})
		}
	}

	for _, l := range gc.Links {
		_, fromOK := nodes[l.From]
		_, toOK := nodes[l.To]
		switch {
		case !fromOK || !toOK:
			findings = append(findings, Finding{
				ID:          newFindingID(),
				Category:    CategoryBrokenLink,
				Severity:    SeverityCritical,
				Source:      SourcePreScan,
				Title:       "Broken link",
				Description: fmt.Sprintf("link %s references a missing node (%s -> %s)", l.ID, l.From, l.To),
				LinkIDs:     []string{l.ID},
			})
		case l.From == l.To:
			findings = append(findings, Finding{
				ID:          newFindingID(),
				Category:    CategoryBrokenLink,
				Severity:    SeverityWarning,
				Source:      SourcePreScan,
				Title:       "Self link",
				Description: fmt.Sprintf("link %s connects node %s to itself", l.ID, l.From),
				LinkIDs:     []string{l.ID},
				NodeIDs:     []string{l.From},
			})
		}
	}

	logging.MaintenanceDebug("pre-scan: %d nodes, %d links, %d findings", len(gc.Nodes), len(gc.Links), len(findings))
	return findings, nil
}
