package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/regcache/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending cache schema migrations and print the ledger",
		Long: `Open the cache database, apply any pending schema migrations and print the
version ledger. Migrations also run automatically whenever the cache is opened;
this command is useful before a deployment or to inspect the schema.`,
		Example: `  regcache migrate
  regcache migrate --db-path /tmp/cache.db`,
		Args: cobra.NoArgs,
		RunE: migrateRun,
	}
}

func migrateRun(cmd *cobra.Command, args []string) error {
	if globalStore == nil {
		return fmt.Errorf("store not initialized")
	}
	ctx := context.Background()

	current, err := globalStore.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	records, err := globalStore.AppliedMigrations(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Cache: %s\n", globalStore.Path())
	fmt.Printf("Schema version: %d (latest %d)\n\n", current, store.LatestSchemaVersion())
	fmt.Printf("%-8s %-22s %s\n", "Version", "Applied", "Description")
	for _, r := range records {
		fmt.Printf("%-8d %-22s %s\n", r.Version, r.AppliedAt.Local().Format("2006-01-02 15:04:05"), r.Description)
	}
	return nil
}
