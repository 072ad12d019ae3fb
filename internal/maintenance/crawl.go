package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"arbor/internal/agent"
	"arbor/internal/graph"
	"arbor/internal/stream"
)

// crawlerSystemPrompt scopes one crawler to its subtree. The crawler
// has read-only tools; its deliverable is the JSON report in its final
// text output.
const crawlerSystemPrompt = `You are a maintenance crawler for a knowledge garden.
Explore the subtree you are assigned using the read-only graph tools:
read its nodes, follow its links, and look for problems and improvement
opportunities (wrong link relations, duplicates, contradictions, thin
content worth enhancing, stale material worth cleaning up).
Finish by printing exactly one JSON object, nothing else:
{"nodesExplored": <int>, "findings": [{"category": "link-relation"|"duplicate"|"contradiction"|"enhancement"|"cleanup", "severity": "critical"|"warning"|"suggestion", "title": "...", "description": "...", "nodeIds": [...], "suggestedAction": "..."}]}`

// crawlerPlan assigns one crawler invocation its subtree and label.
type crawlerPlan struct {
	SubtreeID string
	Label     string
}

// planCrawlers maps subtrees onto at most fanout crawler invocations.
// When subtrees exceed the cap, the excess subtrees' names are folded
// into the last crawler's label. That crawler still explores through
// its own tool calls, so coverage of the folded subtrees is best-effort.
func planCrawlers(subtrees []graph.Node, fanout int) []crawlerPlan {
	if len(subtrees) == 0 || fanout <= 0 {
		return nil
	}

	n := len(subtrees)
	if n <= fanout {
		plans := make([]crawlerPlan, n)
		for i, st := range subtrees {
			plans[i] = crawlerPlan{SubtreeID: st.ID, Label: st.Title}
		}
		return plans
	}

	plans := make([]crawlerPlan, fanout)
	for i := 0; i < fanout; i++ {
		plans[i] = crawlerPlan{SubtreeID: subtrees[i].ID, Label: subtrees[i].Title}
	}
	var extra []string
	for _, st := range subtrees[fanout:] {
		extra = append(extra, st.Title)
	}
	plans[fanout-1].Label = plans[fanout-1].Label + " + " + strings.Join(extra, " + ")
	return plans
}

// runCrawlers fans out one invocation per plan and waits for all of
// them. A crawler failure degrades to an empty report for its subtree;
// the batch never aborts. onComplete fires once per finished crawler.
func (m *Manager) runCrawlers(ctx context.Context, plans []crawlerPlan, onEvent func(stream.Event), onComplete func()) []CrawlerReport {
	reports := make([]CrawlerReport, len(plans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.CrawlerFanout)

	for i, plan := range plans {
		i, plan := i, plan
		g.Go(func() error {
			reports[i] = m.runCrawler(gctx, plan, onEvent)
			onComplete()
			return nil
		})
	}
	// Crawler errors never propagate, so Wait only gathers.
	_ = g.Wait()
	return reports
}

func (m *Manager) runCrawler(ctx context.Context, plan crawlerPlan, onEvent func(stream.Event)) CrawlerReport {
	empty := CrawlerReport{SubtreeID: plan.SubtreeID, Label: plan.Label}

	prompt := fmt.Sprintf("Explore the subtree rooted at node %s (%q) and report your findings.", plan.SubtreeID, plan.Label)

	var text strings.Builder
	err := m.invoker.Invoke(ctx, agent.Options{
		Prompt:       prompt,
		SystemPrompt: crawlerSystemPrompt,
		Binary:       m.opts.Binary,
		Model:        m.opts.Model,
		Timeout:      m.opts.Timeout,
		ScratchRoot:  m.opts.ScratchRoot,
		ToolServers:  []agent.ToolServer{m.opts.ReadOnlyGraphServer},
	}, func(ev stream.Event) {
		if ev.Kind == stream.KindContent {
			text.WriteString(ev.Content)
		}
		onEvent(ev)
	})
	if err != nil {
		m.log.Warn("crawler for subtree %s failed, using empty report: %v", plan.SubtreeID, err)
		return empty
	}

	report, err := parseCrawlerReport(text.String())
	if err != nil {
		m.log.Warn("crawler for subtree %s produced an unparseable report: %v", plan.SubtreeID, err)
		return empty
	}

	report.SubtreeID = plan.SubtreeID
	report.Label = plan.Label
	for i := range report.Findings {
		report.Findings[i].Source = "crawler:" + plan.SubtreeID
		if report.Findings[i].ID == "" {
			report.Findings[i].ID = newFindingID()
		}
		if report.Findings[i].Severity == "" {
			report.Findings[i].Severity = SeveritySuggestion
		}
	}
	return report
}

// parseCrawlerReport extracts the report object from the crawler's
// text output, tolerating prose around the JSON.
func parseCrawlerReport(text string) (CrawlerReport, error) {
	var report CrawlerReport

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return report, fmt.Errorf("no JSON object in crawler output")
	}

	if err := json.Unmarshal([]byte(text[start:end+1]), &report); err != nil {
		return report, fmt.Errorf("failed to parse crawler report: %w", err)
	}
	return report, nil
}
