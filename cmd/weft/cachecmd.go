package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and flush cache providers",
}

var cacheFlushCmd = &cobra.Command{
	Use:   "flush <entity-type>",
	Short: "Evict every cached entry of an entity type",
	Long: `Deletes all cached keys of the entity type from every provider by key
pattern. Use after bulk backfills or schema changes, when per-entity
invalidation would churn through the whole ID space.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType := args[0]
		if cfg.Entity(entityType) == nil {
			return fmt.Errorf("unknown entity type %q", entityType)
		}
		rt, err := newRuntime(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.invalidator.InvalidateType(cmd.Context(), entityType); err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]any{"flushed": entityType})
			return nil
		}
		fmt.Printf("Flushed cached %s entries\n", entityType)
		return nil
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-provider cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()

		stats, err := rt.invalidator.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(stats)
			return nil
		}
		for name, s := range stats {
			fmt.Printf("%s: %d entries, %d hits, %d misses, %.0f%% hit rate\n",
				name, s.Size, s.Hits, s.Misses, s.HitRate*100)
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheFlushCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
}
