package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var eventsLimit int

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and retry sync events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending sync events in dispatch order",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		events, err := rt.engine.ListPending(cmd.Context(), eventsLimit)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(events)
			return nil
		}
		if len(events) == 0 {
			fmt.Println("No pending events")
			return nil
		}
		for _, ev := range events {
			fmt.Printf("%s  %-11s %s/%s  attempt %d/%d  submitted %s\n",
				ev.ID, ev.Kind, ev.EntityType, ev.EntityID,
				ev.AttemptCount, ev.MaxAttempts,
				ev.SubmittedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var eventsShowCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show a single event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := store.GetEvent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(ev)
			return nil
		}
		fmt.Printf("Event:      %s\n", ev.ID)
		fmt.Printf("Entity:     %s/%s\n", ev.EntityType, ev.EntityID)
		fmt.Printf("Kind:       %s\n", ev.Kind)
		fmt.Printf("Status:     %s\n", ev.Status)
		fmt.Printf("Version:    %d\n", ev.Version)
		fmt.Printf("Attempts:   %d/%d\n", ev.AttemptCount, ev.MaxAttempts)
		fmt.Printf("Submitted:  %s\n", ev.SubmittedAt.Format("2006-01-02 15:04:05"))
		if ev.LastError != "" {
			fmt.Printf("Last error: %s\n", ev.LastError)
		}
		return nil
	},
}

var eventsRetryCmd = &cobra.Command{
	Use:   "retry <event-id>",
	Short: "Resubmit a failed event",
	Long: `Failed events are terminal. Retry submits a fresh event carrying the
same entity and payload, linked to the original via metadata.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		id, err := rt.engine.RetryEvent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]string{"id": id, "retry_of": args[0]})
		} else {
			fmt.Printf("Resubmitted as %s\n", id)
		}
		return nil
	},
}

func init() {
	eventsListCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "maximum events to list")
	eventsCmd.AddCommand(eventsListCmd)
	eventsCmd.AddCommand(eventsShowCmd)
	eventsCmd.AddCommand(eventsRetryCmd)
}
