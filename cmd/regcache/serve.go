package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/regcache/internal/server"
)

var (
	serveListen string
	serveNoSync bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background sync scheduler",
		Long: `Start the HTTP API and, when a registry is configured and sync.enabled is
true, the background scheduler that reconciles the cache with the registry.

By default, the server listens on the address configured in the config file
(default: 0.0.0.0:8080). Use --listen to override.`,
		Example: `  regcache serve
  regcache serve --listen 127.0.0.1:9000
  regcache serve --no-sync`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port), overrides server.listen")
	cmd.Flags().BoolVar(&serveNoSync, "no-sync", false, "serve the cache without running the sync scheduler")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if err := requireEngine(); err != nil {
		return err
	}

	listen := globalCfg.Server.Listen
	if serveListen != "" {
		listen = serveListen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case serveNoSync || !globalCfg.Sync.Enabled:
		log.Info("sync scheduler disabled")
	case globalClient == nil:
		log.Warn("registry.url is not configured, serving the cache without syncing")
	default:
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := globalClient.Ping(pingCtx); err != nil {
			log.Warn("registry not reachable, scheduler will keep retrying", "url", globalClient.BaseURL(), "error", err)
		}
		cancel()
		if err := globalEngine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start sync scheduler: %w", err)
		}
	}

	srv := server.NewServer(globalEngine, globalStore, nil, logger)

	errChan := make(chan error, 1)
	go func() {
		fmt.Printf("Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		globalEngine.Stop()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("received shutdown signal")
		fmt.Println("\nShutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		globalEngine.Stop()

		fmt.Println("Server stopped gracefully")
	}

	return nil
}
