// Package main provides the CLI entry point for the Nexus session core: the
// WebSocket Gateway, Stream Registry, Tool Loop, and their supporting
// components described in SPEC_FULL.md.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nexus",
		Short:        "Nexus session and stream core",
		Long:         "Nexus mediates between chat clients and LLM providers: it streams model output, executes tool calls, and keeps conversation state consistent across reconnects.",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd(), buildMigrateCmd())
	return root
}
