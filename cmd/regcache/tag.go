package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newTagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage registry tags",
	}
	cmd.AddCommand(newTagDeleteCmd())
	return cmd
}

func newTagDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete IMAGE TAG",
		Short: "Delete a tag on the registry and remove it from the cache",
		Long: `Delete the manifest a cached tag points to on the registry, using the index
digest recorded for the tag, then remove the tag from the cache and run a
follow-up delta sync. The registry must allow deletes.`,
		Example: `  regcache tag delete team/app v1.2.0
  regcache tag delete alpine 3.19`,
		Args: cobra.ExactArgs(2),
		RunE: tagDeleteRun,
	}
}

func tagDeleteRun(cmd *cobra.Command, args []string) error {
	if err := requireEngine(); err != nil {
		return err
	}
	image, tag := args[0], args[1]
	slog.Default().Info("deleting tag", "image", image, "tag", tag)

	if err := globalEngine.DeleteTag(context.Background(), image, tag); err != nil {
		return err
	}
	fmt.Printf("Deleted %s:%s\n", image, tag)
	return nil
}
