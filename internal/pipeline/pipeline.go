// Package pipeline runs one full conversation turn: relay up, chat
// agent with the coordinator tool server, then an indexer agent that
// files what was said into the graph, then a best-effort commit. The
// caller sees a single merged event stream ending in exactly one done.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"arbor/internal/agent"
	"arbor/internal/graph"
	"arbor/internal/logging"
	"arbor/internal/relay"
	"arbor/internal/stream"
)

// chatSystemPrompt frames the primary conversational agent.
const chatSystemPrompt = `You are the voice of a personal knowledge garden.
Answer from what the garden holds: use search_memory to look things up
before claiming the garden does or does not know something. Use the graph
tools to read nodes the search surfaces. Be direct and conversational.`

// indexerSystemPrompt frames the background indexing agent.
const indexerSystemPrompt = `You file conversation turns into a knowledge garden.
Read the exchange below, decide what is worth remembering, and use the
graph tools to create or update nodes and links. Place new nodes under the
most fitting subtree; link related ideas. If nothing is worth keeping,
do nothing. Do not address the user; your text output is discarded.`

// Invoker abstracts one agent invocation so tests can substitute a
// scripted implementation for the real CLI spawn.
type Invoker interface {
	Invoke(ctx context.Context, opts agent.Options, onEvent func(stream.Event)) error
}

// CLIInvoker is the production Invoker: prepare a scratch dir, spawn,
// stream.
type CLIInvoker struct{}

func (CLIInvoker) Invoke(ctx context.Context, opts agent.Options, onEvent func(stream.Event)) error {
	inv, err := agent.Prepare(opts)
	if err != nil {
		return err
	}
	return inv.Run(ctx, onEvent)
}

// Options configures an Orchestrator.
type Options struct {
	Binary      string
	Model       string
	Timeout     time.Duration
	ScratchRoot string

	// GraphServer is the knowledge store tool server. ReadOnlyGraphServer
	// is the restricted variant handed to search agents.
	GraphServer         agent.ToolServer
	ReadOnlyGraphServer agent.ToolServer
	ImageServer         agent.ToolServer

	// CoordinatorCommand launches this binary's coordinate subcommand;
	// the relay address is appended at run time.
	CoordinatorCommand []string

	MaxLongEdge int
	JPEGQuality int
}

// Orchestrator runs conversation turns against a commit-capable store.
type Orchestrator struct {
	opts    Options
	store   graph.Engine
	invoker Invoker
	log     *logging.Logger
}

// New creates an orchestrator. A nil invoker means spawn the real CLI.
func New(opts Options, store graph.Engine, invoker Invoker) *Orchestrator {
	if invoker == nil {
		invoker = CLIInvoker{}
	}
	return &Orchestrator{
		opts:    opts,
		store:   store,
		invoker: invoker,
		log:     logging.Get(logging.CategoryPipeline),
	}
}

// Run executes one turn for the conversation. Events flow through
// onEvent in order; per-invocation done events are absorbed and exactly
// one done terminates the merged stream on every path.
func (o *Orchestrator) Run(ctx context.Context, conversationID, prompt string, images []string, onEvent func(stream.Event)) {
	defer onEvent(stream.Done())

	runDir, err := os.MkdirTemp(o.opts.ScratchRoot, "arbor-turn-*")
	if err != nil {
		onEvent(stream.Errorf("failed to create run directory: %v", err))
		return
	}
	defer os.RemoveAll(runDir)

	// Relay first: the coordinator config needs the socket address
	// before the chat agent starts.
	rl, err := relay.Listen(runDir)
	if err != nil {
		onEvent(stream.Errorf("failed to start event relay: %v", err))
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range rl.Events() {
			onEvent(ev)
		}
	}()
	// Close drains in-flight relay connections, then the forwarder
	// exits. Ordered before the final done.
	defer wg.Wait()
	defer rl.Close()

	assistantText, chatErr := o.runChat(ctx, conversationID, prompt, images, rl.Addr(), onEvent)
	if chatErr != nil {
		o.log.Error("chat invocation failed for %s: %v", conversationID, chatErr)
		return
	}

	if strings.TrimSpace(assistantText) == "" {
		o.log.Debug("conversation %s produced no text, skipping indexer", conversationID)
		return
	}

	o.runIndexer(ctx, conversationID, prompt, assistantText, onEvent)

	// Commit is best-effort: a failed commit loses durability, not the
	// conversation.
	msg := fmt.Sprintf("conversation %s: %s", conversationID, truncate(prompt, 80))
	if err := o.store.Commit(ctx, msg); err != nil {
		o.log.Warn("commit failed after conversation %s: %v", conversationID, err)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// runChat streams the primary agent, forwarding everything except its
// terminal done and accumulating assistant text for the indexer.
func (o *Orchestrator) runChat(ctx context.Context, conversationID, prompt string, images []string, relayAddr string, onEvent func(stream.Event)) (string, error) {
	servers := []agent.ToolServer{o.opts.GraphServer}
	if len(images) > 0 {
		servers = append(servers, o.opts.ImageServer)
	}
	if len(o.opts.CoordinatorCommand) > 0 {
		cmd := o.opts.CoordinatorCommand
		servers = append(servers, agent.ToolServer{
			Name:    "coordinator",
			Command: cmd[0],
			Args:    append(append([]string(nil), cmd[1:]...), "--relay", relayAddr),
		})
	}

	o.log.Info("chat invocation starting for conversation %s", conversationID)
	var text strings.Builder
	err := o.invoker.Invoke(ctx, agent.Options{
		Prompt:       prompt,
		SystemPrompt: chatSystemPrompt,
		Binary:       o.opts.Binary,
		Model:        o.opts.Model,
		Timeout:      o.opts.Timeout,
		ScratchRoot:  o.opts.ScratchRoot,
		ToolServers:  servers,
		Images:       images,
		MaxLongEdge:  o.opts.MaxLongEdge,
		JPEGQuality:  o.opts.JPEGQuality,
	}, func(ev stream.Event) {
		if ev.Kind == stream.KindDone {
			return
		}
		if ev.Kind == stream.KindContent {
			text.WriteString(ev.Content)
		}
		onEvent(ev)
	})
	return text.String(), err
}

// indexerIDPrefix namespaces indexer tool-call ids so clients can tell
// them apart from chat-phase tool calls.
const indexerIDPrefix = "indexer__"

// runIndexer files the exchange into the graph. Its text output is
// discarded; only tool activity reaches the stream, re-issued under
// namespaced ids and bracketed by indexer phase markers. Indexer
// failure is logged and swallowed.
func (o *Orchestrator) runIndexer(ctx context.Context, conversationID, prompt, assistantText string, onEvent func(stream.Event)) {
	onEvent(stream.IndexerPhase(stream.PhaseStart))
	defer onEvent(stream.IndexerPhase(stream.PhaseEnd))

	o.log.Info("indexer invocation starting for conversation %s", conversationID)
	exchange := fmt.Sprintf("User said:\n%s\n\nAssistant replied:\n%s", prompt, assistantText)
	err := o.invoker.Invoke(ctx, agent.Options{
		Prompt:       exchange,
		SystemPrompt: indexerSystemPrompt,
		Binary:       o.opts.Binary,
		Model:        o.opts.Model,
		Timeout:      o.opts.Timeout,
		ScratchRoot:  o.opts.ScratchRoot,
		ToolServers:  []agent.ToolServer{o.opts.GraphServer},
	}, func(ev stream.Event) {
		switch ev.Kind {
		case stream.KindToolCallStart, stream.KindToolCallArgs, stream.KindToolResult:
			ev.ToolCallID = indexerIDPrefix + ev.ToolCallID
			onEvent(ev)
		}
	})
	if err != nil {
		o.log.Warn("indexer invocation for conversation %s failed: %v", conversationID, err)
	}
}
