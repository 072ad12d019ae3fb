package main

import (
	"arbor/internal/graph"
	"arbor/internal/maintenance"
	"arbor/internal/pipeline"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// maintainCmd runs a maintenance pass
var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run a maintenance pass over the knowledge garden",
	Long: `Runs the four-phase maintenance pipeline: pre-scan the graph structure,
crawl every top-level subtree for problems, resolve the findings, and commit.
All writes happen on an isolated branch that is merged on success or
discarded on failure.`,
	RunE: runMaintain,
}

// statusCmd prints the maintenance poll response
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print maintenance status as JSON",
	RunE:  runStatus,
}

func newManager(store graph.Store) *maintenance.Manager {
	return maintenance.NewManager(maintenance.Options{
		Binary:              cfg.Agent.Binary,
		Model:               cfg.Agent.Model,
		Timeout:             cfg.AgentTimeout(),
		ScratchRoot:         cfg.Agent.ScratchDir,
		GraphServer:         graphServer(),
		ReadOnlyGraphServer: readOnlyGraphServer(),
		CrawlerFanout:       cfg.Maintenance.CrawlerFanout,
		SplitThreshold:      cfg.Maintenance.SplitThreshold,
		AutoThreshold:       cfg.Maintenance.AutoThreshold,
		SettleDelay:         cfg.MaintenanceSettleDelay(),
	}, store, pipeline.CLIInvoker{})
}

func runMaintain(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store := graph.NewMemory()
	manager := newManager(store)
	defer manager.Close()

	job, err := manager.Run(ctx, maintenance.TriggerManual)
	if err != nil {
		return err
	}
	logger.Info("maintenance started", zap.String("job", job.ID()))

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-job.Done():
			snap := job.Snapshot()
			printProgress(snap)
			fmt.Println()
			if snap.Status == maintenance.StatusError {
				return fmt.Errorf("maintenance failed: %s", snap.Error)
			}
			fmt.Printf("done: %d findings, %d actions, %d tool calls\n",
				snap.Progress.TotalFindings, snap.Progress.ResolverActions, len(snap.ToolCalls))
			return nil
		case <-ticker.C:
			printProgress(job.Snapshot())
		}
	}
}

func printProgress(snap *maintenance.JobSnapshot) {
	if snap.Progress == nil {
		return
	}
	p := snap.Progress
	fmt.Printf("\r%3d%% [%s] %s (crawlers %d/%d, findings %d, actions %d)   ",
		p.Percent, p.Phase, p.PhaseLabel, p.CrawlersComplete, p.CrawlersTotal, p.TotalFindings, p.ResolverActions)
}

func runStatus(cmd *cobra.Command, args []string) error {
	store := graph.NewMemory()
	manager := newManager(store)
	defer manager.Close()

	out, err := json.MarshalIndent(manager.Status(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
