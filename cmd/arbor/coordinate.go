package main

import (
	"arbor/internal/coordinator"
	"os"

	"github.com/spf13/cobra"
)

var coordinateRelay string

// coordinateCmd is spawned by the chat agent as a tool server, never
// run by hand. Its stdin/stdout carry the tool-server RPC transport;
// events worth attributing to the primary stream go out through the
// relay socket instead.
var coordinateCmd = &cobra.Command{
	Use:    "coordinate",
	Short:  "Run the coordinator tool server (internal)",
	Hidden: true,
	RunE:   runCoordinate,
}

func init() {
	coordinateCmd.Flags().StringVar(&coordinateRelay, "relay", "", "Relay socket address for sibling events")
	_ = coordinateCmd.MarkFlagRequired("relay")
}

func runCoordinate(cmd *cobra.Command, args []string) error {
	searcher := &coordinator.AgentSearcher{
		Binary:      cfg.Agent.Binary,
		Model:       cfg.Agent.Model,
		Timeout:     cfg.AgentTimeout(),
		ScratchRoot: cfg.Agent.ScratchDir,
		GraphServer: readOnlyGraphServer(),
	}

	server := coordinator.NewServer(coordinateRelay, searcher)
	return server.Serve(cmd.Context(), os.Stdin, os.Stdout)
}
