package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/mealsync/internal/config"
	"github.com/kalambet/mealsync/internal/queue"
	"github.com/kalambet/mealsync/internal/syncer"
)

func openQueue(cfg config.Config) (*queue.Queue, error) {
	return queue.Open(filepath.Join(cfg.Storage.DataDir, "queue.json"))
}

// ensureOwnerID returns the configured owner id, assigning and persisting a
// fresh one on first use.
func ensureOwnerID(cfg config.Config) (string, error) {
	if cfg.Sync.OwnerID != "" {
		return cfg.Sync.OwnerID, nil
	}
	id := uuid.New().String()
	if err := config.SetKey("sync.owner_id", id); err != nil {
		return "", fmt.Errorf("persisting owner id: %w", err)
	}
	printStatus("Owner", "assigned %s", id)
	return id, nil
}

func newCoordinator(cfg config.Config, q *queue.Queue) (*syncer.Coordinator, error) {
	ownerID, err := ensureOwnerID(cfg)
	if err != nil {
		return nil, err
	}
	client := syncer.NewClient(cfg.Sync.ServerURL, cfg.Server.Token, cfg.Sync.IdempotencyHeader)
	debounce := parseDurationOr(cfg.Sync.Debounce, syncer.DefaultDebounce)
	return syncer.New(q, client, ownerID, debounce), nil
}

// entryFields collects the entry field flags that were explicitly set into
// a partial-update field map.
func entryFields(cmd *cobra.Command) map[string]any {
	fields := map[string]any{}
	if cmd.Flags().Changed("food") {
		v, _ := cmd.Flags().GetString("food")
		fields["foodName"] = v
	}
	if cmd.Flags().Changed("quantity") {
		v, _ := cmd.Flags().GetFloat64("quantity")
		fields["quantity"] = v
	}
	if cmd.Flags().Changed("unit") {
		v, _ := cmd.Flags().GetString("unit")
		fields["unit"] = v
	}
	if cmd.Flags().Changed("calories") {
		v, _ := cmd.Flags().GetInt("calories")
		fields["calories"] = v
	}
	if cmd.Flags().Changed("meal") {
		v, _ := cmd.Flags().GetString("meal")
		fields["mealType"] = v
	}
	return fields
}

func entryPayload(cmd *cobra.Command) (json.RawMessage, error) {
	fields := entryFields(cmd)
	if len(fields) == 0 {
		return nil, errors.New("no entry fields given")
	}
	return json.Marshal(fields)
}

func addEntryFlags(cmd *cobra.Command) {
	cmd.Flags().String("food", "", "food name")
	cmd.Flags().Float64("quantity", 1, "quantity eaten")
	cmd.Flags().String("unit", "", "unit of quantity (g, ml, piece, ...)")
	cmd.Flags().Int("calories", 0, "calories for the entry")
	cmd.Flags().String("meal", "", "meal type (breakfast, lunch, dinner, snack)")
}

// --- add / edit / rm ---

var addCmd = &cobra.Command{
	Use:   "add <food>",
	Short: "Record a food entry (queued locally, synced in background)",
	Long: `Record a food entry. The entry is appended to the durable local queue
and pushed to the server on the next sync.

Examples:
  mealsync add "oatmeal" --quantity 80 --unit g --meal breakfast
  mealsync add espresso --calories 5`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		food := strings.Join(args, " ")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}

		fields := entryFields(cmd)
		fields["foodName"] = food
		payload, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		op, err := q.Enqueue("create", "", payload, time.Now().UTC())
		if err != nil {
			return err
		}

		printSuccess("Queued entry %q (operation %s)", food, op.ID[:8])
		return flushAfterMutation(cmd, cfg, q)
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <entry-id>",
	Short: "Edit a synced food entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}

		payload, err := entryPayload(cmd)
		if err != nil {
			return fmt.Errorf("nothing to change: %w", err)
		}
		op, err := q.Enqueue("update", args[0], payload, time.Now().UTC())
		if err != nil {
			return err
		}

		printSuccess("Queued update for entry %s (operation %s)", args[0], op.ID[:8])
		return flushAfterMutation(cmd, cfg, q)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <entry-id>",
	Short: "Delete a synced food entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}

		op, err := q.Enqueue("delete", args[0], nil, time.Now().UTC())
		if err != nil {
			return err
		}

		printSuccess("Queued delete for entry %s (operation %s)", args[0], op.ID[:8])
		return flushAfterMutation(cmd, cfg, q)
	},
}

// flushAfterMutation attempts an immediate push unless --offline is set.
// Failure is not an error: the operation stays queued for the next push.
func flushAfterMutation(cmd *cobra.Command, cfg config.Config, q *queue.Queue) error {
	if offline, _ := cmd.Flags().GetBool("offline"); offline {
		return nil
	}
	coord, err := newCoordinator(cfg, q)
	if err != nil {
		return err
	}
	report, err := coord.Flush(cmd.Context())
	if err != nil {
		printWarning("Sync postponed: %v", err)
		return nil
	}
	reportFlush(report)
	return nil
}

func reportFlush(report syncer.Report) {
	if report.Attempted == 0 {
		return
	}
	if report.Synced > 0 {
		printSuccess("Synced %d of %d operation(s)", report.Synced, report.Attempted)
	}
	if report.Conflicts > 0 {
		printWarning("%d operation(s) conflicted; run `mealsync queue` to inspect", report.Conflicts)
	}
	if report.Errors > 0 {
		printWarning("%d operation(s) failed and will be retried", report.Errors)
	}
}

func init() {
	for _, cmd := range []*cobra.Command{addCmd, editCmd, rmCmd} {
		cmd.Flags().Bool("offline", false, "queue only, skip the immediate sync attempt")
	}
	addEntryFlags(addCmd)
	addEntryFlags(editCmd)
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List queued operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}

		ops := q.List()
		if len(ops) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		for _, op := range ops {
			status := op.Status
			switch op.Status {
			case queue.StatusError:
				status = colorize(colorRed, op.Status)
			case queue.StatusSyncing:
				status = colorize(colorYellow, op.Status)
			}
			target := op.EntryID
			if target == "" {
				target = "(new)"
			}
			fmt.Printf("%s  %-7s %-8s %s  retries=%d\n",
				colorize(colorCyan, op.ID[:8]),
				op.Kind,
				status,
				target,
				op.RetryCount,
			)
			if op.LastError != "" {
				fmt.Printf("          %s\n", op.LastError)
			}
			if len(op.ServerEntry) > 0 {
				fmt.Printf("          server copy: %s\n", op.ServerEntry)
			}
		}

		counts := q.Counts()
		fmt.Printf("\n%d total: %d pending, %d syncing, %d errored\n",
			counts.Total, counts.Pending, counts.Syncing, counts.Errors)
		return nil
	},
}

// --- push / pull ---

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push queued operations to the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		q, err := openQueue(cfg)
		if err != nil {
			return err
		}
		coord, err := newCoordinator(cfg, q)
		if err != nil {
			return err
		}

		report, err := coord.Flush(cmd.Context())
		if err != nil {
			return err
		}
		if report.Attempted == 0 {
			fmt.Println("Nothing to push.")
			return nil
		}
		reportFlush(report)
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch the server snapshot of all entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		ownerID, err := ensureOwnerID(cfg)
		if err != nil {
			return err
		}

		client := syncer.NewClient(cfg.Sync.ServerURL, cfg.Server.Token, cfg.Sync.IdempotencyHeader)
		snap, err := client.FetchSnapshot(cmd.Context(), ownerID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap.Entities); err != nil {
			return err
		}
		printStatus("Entries", "%d", len(snap.Entities))
		printStatus("As of", "%s", snap.LastSyncedAt.Format(time.RFC3339))
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, kv := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, kv.Key), kv.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
