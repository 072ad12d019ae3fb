package main

import (
	"arbor/internal/agent"
	"arbor/internal/config"
	"arbor/internal/logging"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose   bool
	workspace string

	// Loaded at startup
	cfg        *config.Config
	cfgWatcher *config.Watcher

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "arbor - knowledge garden agent orchestrator",
	Long: `arbor orchestrates LLM CLI agents over a personal knowledge garden.

A chat turn runs a conversational agent with memory-search support, then an
indexer agent that files the exchange into the knowledge graph. Periodic
maintenance crawls the graph's subtrees for problems and resolves them on an
isolated branch.

The knowledge-store engine runs as a separate process; arbor talks to it
through the tool servers named in .arbor/config.yaml.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The coordinator runs as a tool-server subprocess; its stdout is
		// the RPC transport, so nothing else may write there.
		if cmd.Name() == "coordinate" {
			logger = zap.NewNop()
		} else {
			zcfg := zap.NewProductionConfig()
			if verbose {
				zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			var err error
			logger, err = zcfg.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
		}

		if workspace == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to resolve workspace: %w", err)
			}
			workspace = wd
		}

		var err error
		cfg, err = config.Load(workspace)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := logging.Initialize(workspace, logging.Settings{
			DebugMode:  cfg.Logging.DebugMode || verbose,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		// Config edits take effect without a restart.
		if cfgWatcher, err = config.NewWatcher(workspace); err == nil {
			if werr := cfgWatcher.Start(); werr != nil {
				logger.Warn("config watcher not started", zap.Error(werr))
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cfgWatcher != nil {
			cfgWatcher.Stop()
		}
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// graphServer builds the write-capable knowledge-store tool server.
func graphServer() agent.ToolServer {
	return agent.ToolServer{
		Name:    "graph",
		Command: cfg.Graph.Command,
		Args:    cfg.Graph.Args,
	}
}

// readOnlyGraphServer builds the restricted variant used by search
// agents and crawlers.
func readOnlyGraphServer() agent.ToolServer {
	return agent.ToolServer{
		Name:    "graph",
		Command: cfg.Graph.Command,
		Args:    append(append([]string(nil), cfg.Graph.Args...), cfg.Graph.ReadOnlyArgs...),
	}
}

func imageServer() agent.ToolServer {
	return agent.ToolServer{
		Name:    agent.ImageServerName,
		Command: cfg.Graph.ImageViewer,
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current directory)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(coordinateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
