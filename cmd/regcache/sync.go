package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
)

var syncFull bool

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile the cache with the registry once",
		Long: `Run one reconciliation pass in the foreground and print what changed.

The pass is a delta pass unless --full is given, the cache is empty, or the
cache schema was upgraded since the last pass. A full pass rebuilds the
metadata of every tag.`,
		Example: `  regcache sync
  regcache sync --full`,
		RunE: syncRun,
	}

	cmd.Flags().BoolVar(&syncFull, "full", false, "force a full pass")

	return cmd
}

func syncRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if err := requireEngine(); err != nil {
		return err
	}

	ctx := context.Background()
	log.Info("sync operation", "full", syncFull)

	ran, err := globalEngine.TriggerSync(ctx, syncFull)
	if !ran {
		fmt.Println("A sync is already in progress.")
		return nil
	}

	runs, listErr := globalStore.ListSyncRuns(ctx, 1)
	if listErr != nil {
		log.Warn("failed to read sync run", "error", listErr)
	}
	if len(runs) > 0 {
		run := runs[0]
		fmt.Printf("Sync %s (%s mode, run %s)\n", run.Status, run.Mode, run.ID)
		fmt.Printf("  Duration:     %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
		fmt.Printf("  %-13s %8s %8s %8s\n", "", "Added", "Updated", "Removed")
		fmt.Printf("  %-13s %8d %8d %8d\n", "Repositories:", run.ReposAdded, run.ReposUpdated, run.ReposRemoved)
		fmt.Printf("  %-13s %8d %8d %8d\n", "Images:", run.ImagesAdded, run.ImagesUpdated, run.ImagesRemoved)
		fmt.Printf("  %-13s %8d %8d %8d\n", "Tags:", run.TagsAdded, run.TagsUpdated, run.TagsRemoved)
	}

	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	return nil
}
