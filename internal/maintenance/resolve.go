package maintenance

import (
	"context"
	"fmt"
	"strings"

	"arbor/internal/agent"
	"arbor/internal/stream"
)

// resolverSystemPrompt gives the resolver full write access and the
// ground rules for touching the graph.
const resolverSystemPrompt = `You are a maintenance resolver for a knowledge garden.
Work through the findings below in the order given: fix critical issues
first, then repair link relations, then resolve duplicates and
contradictions, then apply enhancements, then clean up. Use the graph
tools to make each fix. Verify by reading before you write. Skip any
finding that no longer applies. Do not invent work beyond the findings.`

// bucket is a resolver prompt section. Ordered by priority.
type bucket int

const (
	bucketCritical bucket = iota
	bucketLinkRelation
	bucketDuplicateContradiction
	bucketEnhancement
	bucketCleanup
	bucketCount
)

var bucketHeadings = [bucketCount]string{
	bucketCritical:               "Critical issues",
	bucketLinkRelation:           "Link relation fixes",
	bucketDuplicateContradiction: "Duplicate and contradiction resolution",
	bucketEnhancement:            "Enhancement opportunities",
	bucketCleanup:                "Cleanup",
}

// bucketFor classifies a finding into exactly one bucket. Critical
// severity wins regardless of category.
func bucketFor(f Finding) bucket {
	if f.Severity == SeverityCritical {
		return bucketCritical
	}
	switch f.Category {
	case CategoryBrokenLink:
		return bucketCritical
	case CategoryOrphan, CategoryLinkRelation:
		return bucketLinkRelation
	case CategoryDuplicate, CategoryContradiction:
		return bucketDuplicateContradiction
	case CategoryEnhancement:
		return bucketEnhancement
	default:
		return bucketCleanup
	}
}

// needsSplitPasses reports whether the finding set is large enough to
// warrant two sequential resolver passes.
func (m *Manager) needsSplitPasses(findings []Finding) bool {
	return len(findings) > m.opts.SplitThreshold
}

// splitFindings partitions by severity: everything except suggestions
// in the first pass, exactly the suggestions in the second.
func splitFindings(findings []Finding) (primary, suggestions []Finding) {
	for _, f := range findings {
		if f.Severity == SeveritySuggestion {
			suggestions = append(suggestions, f)
		} else {
			primary = append(primary, f)
		}
	}
	return primary, suggestions
}

// buildResolverPrompt groups the findings into the five priority
// buckets and renders one section per non-empty bucket.
func buildResolverPrompt(findings []Finding) string {
	var groups [bucketCount][]Finding
	for _, f := range findings {
		b := bucketFor(f)
		groups[b] = append(groups[b], f)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Resolve the following %d findings.\n", len(findings)))
	for b := bucketCritical; b < bucketCount; b++ {
		if len(groups[b]) == 0 {
			continue
		}
		sb.WriteString("\n## " + bucketHeadings[b] + "\n")
		for _, f := range groups[b] {
			sb.WriteString(fmt.Sprintf("- [%s/%s] %s: %s", f.Category, f.Severity, f.Title, f.Description))
			if len(f.NodeIDs) > 0 {
				sb.WriteString(" (nodes: " + strings.Join(f.NodeIDs, ", ") + ")")
			}
			if len(f.LinkIDs) > 0 {
				sb.WriteString(" (links: " + strings.Join(f.LinkIDs, ", ") + ")")
			}
			if f.SuggestedAction != "" {
				sb.WriteString(" Suggested: " + f.SuggestedAction)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// runResolverPass executes one write-capable invocation over a finding
// set. Actions executed is the count of tool_call_start events; a
// resolver failure degrades to however many actions landed before it
// died.
func (m *Manager) runResolverPass(ctx context.Context, findings []Finding, onEvent func(stream.Event)) int {
	if len(findings) == 0 {
		return 0
	}

	actions := 0
	err := m.invoker.Invoke(ctx, agent.Options{
		Prompt:       buildResolverPrompt(findings),
		SystemPrompt: resolverSystemPrompt,
		Binary:       m.opts.Binary,
		Model:        m.opts.Model,
		Timeout:      m.opts.Timeout,
		ScratchRoot:  m.opts.ScratchRoot,
		ToolServers:  []agent.ToolServer{m.opts.GraphServer},
	}, func(ev stream.Event) {
		if ev.Kind == stream.KindToolCallStart {
			actions++
		}
		onEvent(ev)
	})
	if err != nil {
		m.log.Warn("resolver pass failed after %d actions: %v", actions, err)
	}
	return actions
}
