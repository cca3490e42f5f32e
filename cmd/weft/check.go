package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/audit"
	"github.com/weftlabs/weft/internal/types"
)

var checkKind string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run and inspect integrity checks",
}

var checkRunCmd = &cobra.Command{
	Use:   "run [entity-type]",
	Short: "Run integrity checks now",
	Long: `Without arguments, audits every configured entity type across all four
check kinds. With an entity type (and optionally --kind) it runs a
single targeted check and prints the findings.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()

		auditor := audit.New(cfg, store, rt.registry, logger)

		if len(args) == 0 {
			var alerts []audit.Alert
			auditor.OnAlert(func(a audit.Alert) { alerts = append(alerts, a) })
			if err := auditor.AuditAll(cmd.Context()); err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]any{"alerts": alerts})
				return nil
			}
			if len(alerts) == 0 {
				fmt.Println("Audit complete: no alerts")
				return nil
			}
			for _, a := range alerts {
				fmt.Printf("ALERT %s %s: %s\n", a.Kind, a.EntityType, a.Message)
			}
			return nil
		}

		kind := types.CheckKind(checkKind)
		if !kind.IsValid() {
			return fmt.Errorf("invalid check kind %q", checkKind)
		}
		check, err := auditor.RunCheck(cmd.Context(), args[0], kind)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(check)
			return nil
		}
		fmt.Printf("%s %s: %s (%d records, %d inconsistencies)\n",
			check.Kind, check.EntityType, check.Status,
			check.RecordsChecked, check.Inconsistencies)
		for _, finding := range check.Findings {
			if finding.Detail != "" {
				fmt.Printf("  %s %s: %s\n", finding.EntityID, finding.FieldPath, finding.Detail)
				continue
			}
			fmt.Printf("  %s %s: %s=%q vs %s=%q\n",
				finding.EntityID, finding.FieldPath,
				finding.SourceA, finding.ValueA,
				finding.SourceB, finding.ValueB)
		}
		return nil
	},
}

var checkHistoryCmd = &cobra.Command{
	Use:   "history <entity-type>",
	Short: "Show recent integrity checks for an entity type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		checks, err := store.ListChecks(cmd.Context(), args[0], "", 20)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(checks)
			return nil
		}
		if len(checks) == 0 {
			fmt.Println("No checks recorded")
			return nil
		}
		for _, check := range checks {
			fmt.Printf("%s  %-22s %-8s records=%d inconsistencies=%d started=%s\n",
				check.ID, check.Kind, check.Status,
				check.RecordsChecked, check.Inconsistencies,
				check.StartedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	checkRunCmd.Flags().StringVarP(&checkKind, "kind", "k", string(types.CheckConsistency),
		"check kind (consistency|completeness|referential-integrity|schema-validation)")
	checkCmd.AddCommand(checkRunCmd)
	checkCmd.AddCommand(checkHistoryCmd)
}
