package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/types"
)

var (
	submitKind    string
	submitSource  string
	submitPayload string
)

var submitCmd = &cobra.Command{
	Use:   "submit <entity-type> <entity-id>",
	Short: "Submit a sync event",
	Long: `Appends a sync event to the log. The payload is read from --payload,
or from stdin when --payload is "-". Delete events take no payload.

Examples:
  weft submit user u-123 --payload '{"email":"ada@example.com"}'
  cat user.json | weft submit user u-123 --payload -
  weft submit user u-123 --kind delete`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, entityID := args[0], args[1]

		kind := types.EventKind(submitKind)
		if !kind.IsValid() {
			return fmt.Errorf("invalid event kind %q", submitKind)
		}

		var payload types.Payload
		if kind != types.KindDelete {
			raw := submitPayload
			if raw == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("failed to read payload from stdin: %w", err)
				}
				raw = string(data)
			}
			if strings.TrimSpace(raw) == "" {
				return fmt.Errorf("--payload is required for %s events", kind)
			}
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return fmt.Errorf("invalid payload JSON: %w", err)
			}
		}

		rt, err := newRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()

		id, err := rt.engine.SubmitEvent(cmd.Context(), entityType, entityID, kind, payload, submitSource, cfg.Region)
		if err != nil {
			return err
		}

		if jsonOutput {
			outputJSON(map[string]string{"id": id})
		} else {
			fmt.Printf("Submitted %s event %s for %s/%s\n", kind, id, entityType, entityID)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <entity-type> <entity-id>...",
	Short: "Re-sync entities from their primary adapter",
	Long: `Reads each entity's current state from its first readable adapter and
submits update events so every target converges. Multiple IDs are
batched through bulk sync.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		entityType, ids := args[0], args[1:]

		rt, err := newRuntime(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()

		if len(ids) == 1 {
			id, err := rt.engine.SyncEntity(cmd.Context(), entityType, ids[0], cfg.Region)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]string{"id": id})
			} else {
				fmt.Printf("Submitted sync event %s for %s/%s\n", id, entityType, ids[0])
			}
			return nil
		}

		result, err := rt.engine.BulkSync(cmd.Context(), entityType, ids, cfg.Region)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(result)
			return nil
		}
		fmt.Printf("Bulk sync: %d submitted, %d failed\n", len(result.Successful), len(result.Failed))
		for _, id := range result.Failed {
			fmt.Printf("  %s: %s\n", id, result.Errors[id])
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitKind, "kind", "k", string(types.KindUpdate), "event kind (create|update|delete|bulk-update)")
	submitCmd.Flags().StringVar(&submitSource, "source", "cli", "originating system recorded on the event")
	submitCmd.Flags().StringVarP(&submitPayload, "payload", "p", "", "entity payload as JSON, or - for stdin")
}
