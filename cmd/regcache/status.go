package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display the cache sync status",
		Long: `Display the outcome of the last sync pass, the configured interval and the
number of cached repositories, images and tags.`,
		Example: `  regcache status`,
		RunE:    statusRun,
	}
	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if err := requireEngine(); err != nil {
		return err
	}

	status, err := globalEngine.SyncStatus(context.Background())
	if err != nil {
		return fmt.Errorf("failed to read sync status: %w", err)
	}

	fmt.Println("Sync Status")
	fmt.Println("===========")
	fmt.Println("")
	fmt.Printf("%-16s %s\n", "Last sync:", formatWhen(status.LastSync))
	fmt.Printf("%-16s %s\n", "Last full sync:", formatWhen(status.LastFullSync))
	fmt.Printf("%-16s %.3fs\n", "Duration:", status.Duration)
	fmt.Printf("%-16s %s\n", "Interval:", status.Interval)
	fmt.Printf("%-16s %t\n", "In progress:", status.InProgress)
	if status.LastError != "" {
		fmt.Printf("%-16s %s\n", "Last error:", status.LastError)
	}
	fmt.Println("")
	fmt.Printf("%-16s %s\n", "Repositories:", humanize.Comma(int64(status.RepoCount)))
	fmt.Printf("%-16s %s\n", "Images:", humanize.Comma(int64(status.ImageCount)))
	fmt.Printf("%-16s %s\n", "Tags:", humanize.Comma(int64(status.TagCount)))
	fmt.Println("")

	return nil
}

func formatWhen(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04:05"), humanize.Time(*t))
}
