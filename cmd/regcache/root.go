package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/regcache/internal/config"
	"github.com/BadgerOps/regcache/internal/engine"
	"github.com/BadgerOps/regcache/internal/registry"
	"github.com/BadgerOps/regcache/internal/store"
)

var (
	// Global flags
	cfgPath   string
	dbPath    string
	logLevel  string
	logFormat string
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore  *store.Store
	globalEngine *engine.SyncManager
	globalClient *registry.Client
)

// errRegistryNotConfigured is returned by registry-backed operations when
// registry.url is empty, so read-only commands still work without one.
var errRegistryNotConfigured = errors.New("registry.url is not configured")

type unconfiguredRegistry struct{}

func (unconfiguredRegistry) Fetch(context.Context) (*registry.Snapshot, error) {
	return nil, errRegistryNotConfigured
}

func (unconfiguredRegistry) DeleteManifest(context.Context, string, digest.Digest) error {
	return errRegistryNotConfigured
}

var (
	metricsOnce sync.Once
	metrics     *engine.Metrics
)

// processMetrics registers the sync metrics with the default Prometheus
// registry once per process.
func processMetrics() *engine.Metrics {
	metricsOnce.Do(func() {
		metrics = engine.NewMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}

// initializeComponents opens the store, builds the registry client when one
// is configured, and creates the sync manager.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := store.New(globalCfg.Server.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st

	var (
		fetcher engine.SnapshotFetcher = unconfiguredRegistry{}
		deleter engine.ManifestDeleter = unconfiguredRegistry{}
	)
	if globalCfg.Registry.URL != "" {
		if globalCfg.InsecureCredentials() {
			logger.Warn("registry credentials will be sent over plain HTTP", "url", globalCfg.Registry.URL)
		}
		client, err := registry.NewClient(registry.OptionsFromConfig(globalCfg.Registry), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize registry client: %w", err)
		}
		globalClient = client
		resolver := registry.NewResolver(client, logger)
		fetcher = registry.NewFetcher(client, resolver, globalCfg.Registry.Concurrency, logger)
		deleter = client
	}

	opts := engine.OptionsFromConfig(globalCfg.Sync)
	opts.Metrics = processMetrics()
	globalEngine = engine.NewSyncManager(globalStore, fetcher, deleter, opts, logger)

	logger.Debug("components initialized", "db_path", globalCfg.Server.DBPath, "registry", globalCfg.Registry.URL)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component
// initialization. The config subcommands only need the loaded file.
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	if cmd.HasParent() && cmd.Parent().Name() == "config" {
		return true
	}
	return skipInitCmds[cmd.Name()]
}

// closeStore waits for background passes, then closes the global store
// connection.
func closeStore() {
	if globalEngine != nil {
		globalEngine.Stop()
		globalEngine = nil
	}
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regcache",
		Short: "Local cache of a container registry's repositories, tags and image metadata",
		Long: `regcache keeps a local SQLite cache of the repositories, images and tags of a
Docker Registry V2 compatible registry, together with the metadata of every
tag's image. A background scheduler reconciles the cache with the registry,
and an HTTP API serves browse queries, sync control and tag deletion.`,
		Example: `  regcache serve
  regcache sync --full
  regcache repos --search team
  regcache repos show org/team
  regcache tag delete team/app v1.2.0
  regcache settings set sync_interval 10m
  regcache export /mnt/transfer/cache.tar.zst`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			// Override with command-line flags if provided
			if dbPath != "" {
				globalCfg.Server.DBPath = dbPath
			}

			logger.Debug("config loaded", "path", cfgPath, "db_path", globalCfg.Server.DBPath)

			if !shouldSkipComponentInit(cmd) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "override the cache database path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")

	cmd.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newStatusCmd(),
		newReposCmd(),
		newTagCmd(),
		newSettingsCmd(),
		newConfigCmd(),
		newMigrateCmd(),
		newExportCmd(),
		newImportCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}

// requireEngine returns an error unless components were initialized.
func requireEngine() error {
	if globalStore == nil || globalEngine == nil {
		return fmt.Errorf("sync engine not initialized")
	}
	return nil
}
