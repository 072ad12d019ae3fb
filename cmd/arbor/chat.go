package main

import (
	"arbor/internal/broadcast"
	"arbor/internal/graph"
	"arbor/internal/pipeline"
	"arbor/internal/stream"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	chatConversation string
	chatImages       []string
)

// chatCmd runs one conversation turn
var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Run one conversation turn against the knowledge garden",
	Long: `Runs the full conversation pipeline: the chat agent answers using
memory search, then the indexer agent files the exchange into the graph.

Example:
  arbor chat "what do I know about ferns?"
  arbor chat --image shot.png "file this screenshot"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "", "Conversation id (default: a new one)")
	chatCmd.Flags().StringArrayVarP(&chatImages, "image", "i", nil, "Image file to include (repeatable)")
}

func runChat(cmd *cobra.Command, args []string) error {
	prompt := strings.Join(args, " ")
	if chatConversation == "" {
		chatConversation = uuid.NewString()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Demo store: the production engine is the graph tool-server process
	// configured in .arbor/config.yaml; the pipeline's own commit goes
	// through this in-process store.
	store := graph.NewMemory()

	hub := broadcast.NewHub()
	producer, err := hub.Start(chatConversation)
	if err != nil {
		return fmt.Errorf("conversation %s: %w", chatConversation, err)
	}

	sub, ok := hub.Subscribe(chatConversation, renderEvent)
	if !ok {
		producer.Close()
		return fmt.Errorf("conversation %s ended before it started", chatConversation)
	}
	defer sub.Unsubscribe()

	exe, err := os.Executable()
	if err != nil {
		exe = "arbor"
	}

	logger.Info("starting conversation",
		zap.String("conversation", chatConversation),
		zap.Int("images", len(chatImages)))

	orch := pipeline.New(pipeline.Options{
		Binary:              cfg.Agent.Binary,
		Model:               cfg.Agent.Model,
		Timeout:             cfg.AgentTimeout(),
		ScratchRoot:         cfg.Agent.ScratchDir,
		GraphServer:         graphServer(),
		ReadOnlyGraphServer: readOnlyGraphServer(),
		ImageServer:         imageServer(),
		CoordinatorCommand:  []string{exe, "coordinate", "--workspace", workspace},
		MaxLongEdge:         cfg.Images.MaxLongEdge,
		JPEGQuality:         cfg.Images.JPEGQuality,
	}, store, nil)

	orch.Run(ctx, chatConversation, prompt, chatImages, producer.Publish)
	producer.Close()
	<-sub.Done()
	return nil
}

// renderEvent prints one stream event for the terminal.
func renderEvent(ev stream.Event) error {
	switch ev.Kind {
	case stream.KindContent:
		fmt.Print(ev.Content)
	case stream.KindToolCallStart:
		fmt.Printf("\n  [%s]\n", ev.ToolName)
	case stream.KindToolResult:
		if ev.IsError {
			fmt.Printf("  [tool error: %s]\n", ev.Result)
		}
	case stream.KindThinkingStart:
		fmt.Print("\n  [thinking...]\n")
	case stream.KindSearchPhase:
		if ev.Status == stream.PhaseStart {
			fmt.Print("\n  [searching memory...]\n")
		}
	case stream.KindIndexerPhase:
		if ev.Status == stream.PhaseStart {
			fmt.Print("\n  [filing into the garden...]\n")
		}
	case stream.KindError:
		fmt.Fprintf(os.Stderr, "\nerror: %s\n", ev.Err)
	case stream.KindDone:
		fmt.Println()
	}
	return nil
}
