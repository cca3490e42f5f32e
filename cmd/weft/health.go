package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/engine"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report sync engine health",
	Long: `Evaluates the trailing hour of events plus replication cursor state
and reports healthy, degraded, or critical with recommendations.
Exits non-zero when critical.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		health, err := rt.engine.HealthCheck(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(health)
		} else {
			fmt.Printf("Status: %s\n", health.Status)
			fmt.Printf("Pending events: %d\n", health.PendingEvents)
			fmt.Printf("Last hour: %d completed, %d failed, %d retrying, %d processing\n",
				health.Counts.Completed, health.Counts.Failed,
				health.Counts.Retrying, health.Counts.Processing)
			for _, issue := range health.Issues {
				fmt.Printf("Issue: %s\n", issue)
			}
			for _, rec := range health.Recommendations {
				fmt.Printf("Recommendation: %s\n", rec)
			}
		}

		if health.Status == engine.HealthCritical {
			return fmt.Errorf("sync engine is critical")
		}
		return nil
	},
}
