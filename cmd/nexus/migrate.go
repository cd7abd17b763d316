package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexuscore/nexus/internal/config"
)

// buildMigrateCmd applies the Durable Store's embedded schema and exits.
// Both store backends (internal/store) apply their schema idempotently on
// open, so "migrate" is just "open and close" surfaced as its own verb for
// operators who want to run it out-of-band from "serve" (e.g. before a
// rolling deploy).
func buildMigrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Durable Store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			st, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			defer st.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
