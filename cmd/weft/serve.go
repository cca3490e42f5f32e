package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/audit"
	"github.com/weftlabs/weft/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine until interrupted",
	Long: `Starts the worker pool plus the background loops: the scheduled cache
invalidation sweeper, hourly cache cleanup, the replication lag monitor
and catch-up sweeper, and the hourly integrity audit. Stops cleanly on
SIGINT or SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := telemetry.Init(ctx, "weft", Version); err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer telemetry.Shutdown(ctx)

		rt, err := newRuntime(ctx, true)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}

		go rt.invalidator.RunSweeper(ctx)
		go rt.invalidator.RunCleanup(ctx)
		if rt.replicator != nil {
			go rt.replicator.RunLagMonitor(ctx)
			go rt.replicator.RunCatchUpSweeper(ctx)
		}

		auditor := audit.New(cfg, store, rt.registry, logger)
		go auditor.Run(ctx)

		logger.Info("weft serving",
			"region", cfg.Region,
			"workers", cfg.Workers,
			"entities", len(cfg.Entities),
			"replication", rt.replicator != nil)

		<-ctx.Done()
		logger.Info("shutting down")
		rt.engine.Stop()
		return nil
	},
}
