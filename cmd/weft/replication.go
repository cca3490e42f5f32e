package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var replicationCmd = &cobra.Command{
	Use:   "replication",
	Short: "Manage cross-region replication",
}

var replicationStatusCmd = &cobra.Command{
	Use:   "status [entity-type]",
	Short: "Show replication cursors and lag",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType := ""
		if len(args) == 1 {
			entityType = args[0]
		}
		cursors, err := store.ListCursors(cmd.Context(), entityType)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(cursors)
			return nil
		}
		if len(cursors) == 0 {
			fmt.Println("No replication cursors")
			return nil
		}
		for _, cur := range cursors {
			fmt.Printf("%s  %s -> %s  state=%s  version=%d  lag=%.0fs  pending=%d\n",
				cur.EntityType, cur.SourceRegion, cur.TargetRegion,
				cur.State, cur.LastReplicatedVersion, cur.LagSeconds, cur.PendingCount)
			if cur.LastError != "" {
				fmt.Printf("  last error: %s\n", cur.LastError)
			}
		}
		return nil
	},
}

var replicationPauseCmd = &cobra.Command{
	Use:   "pause <entity-type> <source-region> <target-region>",
	Short: "Pause replication for one entity type and region pair",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()

		repl, err := rt.replicatorOrError()
		if err != nil {
			return err
		}
		if err := repl.Pause(cmd.Context(), args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Paused %s replication %s -> %s\n", args[0], args[1], args[2])
		return nil
	},
}

var replicationResumeCmd = &cobra.Command{
	Use:   "resume <entity-type> <source-region> <target-region>",
	Short: "Resume replication and catch up on accumulated events",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()

		repl, err := rt.replicatorOrError()
		if err != nil {
			return err
		}
		if err := repl.Resume(cmd.Context(), args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Resumed %s replication %s -> %s\n", args[0], args[1], args[2])
		return nil
	},
}

var replicationCatchUpCmd = &cobra.Command{
	Use:   "catch-up <entity-type> <source-region> <target-region>",
	Short: "Replay completed events the target has not seen",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()

		repl, err := rt.replicatorOrError()
		if err != nil {
			return err
		}
		n, err := repl.CatchUp(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]int{"replicated": n})
		} else {
			fmt.Printf("Replicated %d events\n", n)
		}
		return nil
	},
}

func init() {
	replicationCmd.AddCommand(replicationStatusCmd)
	replicationCmd.AddCommand(replicationPauseCmd)
	replicationCmd.AddCommand(replicationResumeCmd)
	replicationCmd.AddCommand(replicationCatchUpCmd)
}
