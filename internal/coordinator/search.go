package coordinator

import (
	"context"
	"strings"
	"time"

	"arbor/internal/agent"
	"arbor/internal/stream"
)

// searchSystemPrompt keeps the nested agent on task: read, summarize,
// never write.
const searchSystemPrompt = `You are a memory search assistant for a knowledge garden.
Search the graph for nodes relevant to the query, follow links that look
promising, and answer with a short text summary of what exists and where.
You have read-only access; do not attempt to create or modify anything.`

// AgentSearcher runs each search as its own short-lived agent
// invocation with a read-only graph tool server.
type AgentSearcher struct {
	Binary      string
	Model       string
	Timeout     time.Duration
	ScratchRoot string
	GraphServer agent.ToolServer // read-only graph tool server descriptor
}

// Search spawns the nested invocation and returns the accumulated
// assistant text. Tool activity streams through onEvent as it happens.
func (a *AgentSearcher) Search(ctx context.Context, query string, onEvent func(stream.Event)) (string, error) {
	inv, err := agent.Prepare(agent.Options{
		Prompt:       "Search the knowledge garden for: " + query,
		SystemPrompt: searchSystemPrompt,
		Binary:       a.Binary,
		Model:        a.Model,
		Timeout:      a.Timeout,
		ScratchRoot:  a.ScratchRoot,
		ToolServers:  []agent.ToolServer{a.GraphServer},
	})
	if err != nil {
		return "", err
	}

	var answer strings.Builder
	runErr := inv.Run(ctx, func(ev stream.Event) {
		if ev.Kind == stream.KindContent {
			answer.WriteString(ev.Content)
		}
		onEvent(ev)
	})
	if runErr != nil {
		return "", runErr
	}
	return strings.TrimSpace(answer.String()), nil
}
