package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/regcache/internal/store"
)

var (
	reposSearch string
	reposPage   int
	reposLimit  int
)

func newReposCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "List cached repositories",
		Long: `List the cached repositories one page at a time. --search matches repository
names and image paths.`,
		Example: `  regcache repos
  regcache repos --search team --limit 50
  regcache repos show org/team`,
		Args: cobra.NoArgs,
		RunE: reposListRun,
	}

	cmd.Flags().StringVar(&reposSearch, "search", "", "filter by repository name or image path")
	cmd.Flags().IntVar(&reposPage, "page", 1, "page number")
	cmd.Flags().IntVar(&reposLimit, "limit", 20, "repositories per page (max 100)")

	cmd.AddCommand(newReposShowCmd())
	return cmd
}

func newReposShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "show NAME",
		Short:   "Show the images, tags and metadata of a repository",
		Example: `  regcache repos show library`,
		Args:    cobra.ExactArgs(1),
		RunE:    reposShowRun,
	}
}

func reposListRun(cmd *cobra.Command, args []string) error {
	if err := requireEngine(); err != nil {
		return err
	}

	page, err := globalStore.ListRepositories(context.Background(), reposPage, reposLimit, reposSearch)
	if err != nil {
		return err
	}
	if page.TotalCount == 0 {
		fmt.Println("No repositories cached.")
		return nil
	}

	fmt.Printf("%-40s %8s %8s  %s\n", "Repository", "Images", "Tags", "Last Synced")
	fmt.Println(strings.Repeat("-", 80))
	for _, r := range page.Repositories {
		fmt.Printf("%-40s %8d %8d  %s\n", r.Name, r.ImageCount, r.TagCount, humanize.Time(r.LastSyncedAt))
	}
	pages := (page.TotalCount + page.Limit - 1) / page.Limit
	fmt.Printf("\nPage %d of %d (%d repositories)\n", page.Page, pages, page.TotalCount)
	return nil
}

func reposShowRun(cmd *cobra.Command, args []string) error {
	if err := requireEngine(); err != nil {
		return err
	}

	data, err := globalStore.GetRepositoryData(context.Background(), args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("repository %q is not cached", args[0])
	}
	if err != nil {
		return err
	}

	fmt.Printf("Repository: %s (last synced %s)\n", data.Name, humanize.Time(data.LastSyncedAt))
	for _, img := range data.Images {
		fmt.Printf("\n%s  (%d tags, %s pulls)\n", img.FullName, len(img.Tags), humanize.Comma(img.PullCount))
		for _, t := range img.Tags {
			md := t.Metadata
			if md == nil {
				fmt.Printf("  %-24s %s\n", t.Name, "(metadata unavailable)")
				continue
			}
			fmt.Printf("  %-24s %-12s %-10s %10s  %s\n",
				t.Name,
				shortDigest(t.Digest),
				md.OS+"/"+md.Architecture,
				humanize.IBytes(uint64(md.TotalSize)),
				createdText(md),
			)
		}
	}
	return nil
}

func createdText(md *store.TagMetadata) string {
	if md.Created.IsZero() {
		return "-"
	}
	return humanize.Time(md.Created)
}

// shortDigest renders the first 12 hex characters of a digest.
func shortDigest(d string) string {
	if i := strings.IndexByte(d, ':'); i >= 0 {
		d = d[i+1:]
	}
	if len(d) > 12 {
		d = d[:12]
	}
	return d
}
