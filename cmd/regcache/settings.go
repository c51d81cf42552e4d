package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/regcache/internal/engine"
	"github.com/BadgerOps/regcache/internal/store"
)

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and change runtime settings stored in the cache",
		Long: `Runtime settings live in the cache database and take effect without a restart.
sync_interval accepts a Go duration ("10m") or a number of seconds.`,
		Example: `  regcache settings list
  regcache settings get sync_interval
  regcache settings set sync_interval 15m`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List all settings",
			Args:  cobra.NoArgs,
			RunE:  settingsListRun,
		},
		&cobra.Command{
			Use:   "get KEY",
			Short: "Print a setting",
			Args:  cobra.ExactArgs(1),
			RunE:  settingsGetRun,
		},
		&cobra.Command{
			Use:   "set KEY VALUE",
			Short: "Store a setting",
			Args:  cobra.ExactArgs(2),
			RunE:  settingsSetRun,
		},
	)
	return cmd
}

func settingsListRun(cmd *cobra.Command, args []string) error {
	if err := requireEngine(); err != nil {
		return err
	}
	settings, err := globalStore.ListSettings(context.Background())
	if err != nil {
		return err
	}
	if len(settings) == 0 {
		fmt.Println("No settings stored.")
		return nil
	}
	for _, s := range settings {
		fmt.Printf("%-24s %s\n", s.Key, s.Value)
	}
	return nil
}

func settingsGetRun(cmd *cobra.Command, args []string) error {
	if err := requireEngine(); err != nil {
		return err
	}
	value, err := globalStore.GetSetting(context.Background(), args[0], "")
	if err != nil {
		return err
	}
	fmt.Println(value)
	return nil
}

func settingsSetRun(cmd *cobra.Command, args []string) error {
	if err := requireEngine(); err != nil {
		return err
	}
	key, value := args[0], args[1]
	if key == store.SettingSyncInterval {
		if _, err := engine.ParseInterval(value); err != nil {
			return err
		}
	}
	if err := globalStore.SetSetting(context.Background(), key, value); err != nil {
		return err
	}
	fmt.Printf("%s = %s\n", key, value)
	return nil
}
