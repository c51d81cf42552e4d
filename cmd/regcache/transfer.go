package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/regcache/internal/engine"
)

var (
	exportCompression string
	importFull        bool
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export PATH",
		Short: "Export the cache to an archive for an offline host",
		Long: `Write the whole cache to a compressed archive. The archive can be imported
on a host that cannot reach the registry with "regcache import".

The archive holds a manifest with counts and a digest of the snapshot, which
import verifies before touching the cache.`,
		Example: `  regcache export /mnt/transfer/cache.tar.zst
  regcache export /mnt/usb/cache.tar.xz --compression xz`,
		Args: cobra.ExactArgs(1),
		RunE: exportRun,
	}

	cmd.Flags().StringVar(&exportCompression, "compression", "zstd", "compression format (zstd, xz)")
	return cmd
}

func exportRun(cmd *cobra.Command, args []string) error {
	if err := requireEngine(); err != nil {
		return err
	}
	compression, err := engine.ParseCompression(exportCompression)
	if err != nil {
		return err
	}

	fmt.Printf("Exporting cache to %s (%s)...\n", args[0], compression)
	report, err := globalEngine.Export(context.Background(), args[0], compression)
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	fmt.Printf("Export complete:\n")
	fmt.Printf("  Repositories: %d\n", report.Manifest.Repositories)
	fmt.Printf("  Images: %d\n", report.Manifest.Images)
	fmt.Printf("  Tags: %d\n", report.Manifest.Tags)
	fmt.Printf("  Size: %s\n", humanize.IBytes(uint64(report.Size)))
	fmt.Printf("  Digest: %s\n", report.Manifest.SnapshotDigest)
	fmt.Printf("  Duration: %s\n", report.Duration.Round(time.Millisecond))
	return nil
}

func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import PATH",
		Short: "Import a cache archive produced by export",
		Long: `Verify an export archive and reconcile its snapshot into the cache. Entities
missing from the archive are removed, exactly as a sync pass would.

--full rebuilds every tag instead of keeping tags whose digest is unchanged.`,
		Example: `  regcache import /mnt/transfer/cache.tar.zst
  regcache import /mnt/usb/cache.tar.xz --full`,
		Args: cobra.ExactArgs(1),
		RunE: importRun,
	}

	cmd.Flags().BoolVar(&importFull, "full", false, "rebuild every tag")
	return cmd
}

func importRun(cmd *cobra.Command, args []string) error {
	if err := requireEngine(); err != nil {
		return err
	}
	mode := engine.ModeDelta
	if importFull {
		mode = engine.ModeFull
	}

	fmt.Printf("Importing %s...\n", args[0])
	report, err := globalEngine.Import(context.Background(), args[0], mode)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	m := report.Manifest
	fmt.Printf("Import complete:\n")
	fmt.Printf("  Source: %s (exported %s)\n", m.SourceHost, humanize.Time(m.Created))
	fmt.Printf("  Repositories: +%d ~%d -%d\n", report.Changes.Repositories.Added, report.Changes.Repositories.Updated, report.Changes.Repositories.Removed)
	fmt.Printf("  Images: +%d ~%d -%d\n", report.Changes.Images.Added, report.Changes.Images.Updated, report.Changes.Images.Removed)
	fmt.Printf("  Tags: +%d ~%d -%d\n", report.Changes.Tags.Added, report.Changes.Tags.Updated, report.Changes.Tags.Removed)
	fmt.Printf("  Duration: %s\n", report.Duration.Round(time.Millisecond))
	return nil
}
