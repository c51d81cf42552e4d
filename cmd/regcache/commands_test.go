package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BadgerOps/regcache/internal/config"
	"github.com/BadgerOps/regcache/internal/engine"
	"github.com/BadgerOps/regcache/internal/registry"
	"github.com/BadgerOps/regcache/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// useComponents installs a store-backed engine without a registry as the
// global components for the duration of the test.
func useComponents(t *testing.T) *store.Store {
	t.Helper()
	st := newTestStore(t)
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.NewSyncManager(st, unconfiguredRegistry{}, unconfiguredRegistry{}, engine.Options{}, quiet)

	origStore, origEngine, origLogger := globalStore, globalEngine, logger
	globalStore, globalEngine, logger = st, eng, quiet
	t.Cleanup(func() {
		eng.Stop()
		globalStore, globalEngine, logger = origStore, origEngine, origLogger
	})
	return st
}

func seedCache(t *testing.T, st *store.Store) {
	t.Helper()
	snap := &registry.Snapshot{
		FetchedAt: time.Now().UTC(),
		Repositories: []registry.RepositorySnapshot{
			{Name: "library", Images: []registry.ImageSnapshot{{
				Name: "alpine", FullName: "alpine",
				Tags: []registry.TagSnapshot{{
					Name:   "3.20",
					Digest: "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
					Metadata: &store.TagMetadata{
						OS:            "linux",
						Architecture:  "arm64",
						TotalSize:     3 << 20,
						ContentDigest: "sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
					},
				}},
			}}},
			{Name: "team", Images: []registry.ImageSnapshot{{
				Name: "app", FullName: "team/app",
				Tags: []registry.TagSnapshot{{Name: "broken"}},
			}}},
		},
	}
	if _, err := engine.NewReconciler(st, nil).Apply(context.Background(), snap, engine.ModeFull); err != nil {
		t.Fatalf("seeding cache: %v", err)
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	fn()

	_ = w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading captured stdout: %v", err)
	}
	_ = r.Close()
	return string(data)
}

// ============================================================================
// Browse commands
// ============================================================================

func TestReposListRun_Empty(t *testing.T) {
	useComponents(t)
	reposPage, reposLimit, reposSearch = 1, 20, ""

	out := captureStdout(t, func() {
		if err := reposListRun(nil, nil); err != nil {
			t.Fatalf("reposListRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "No repositories cached.") {
		t.Fatalf("expected empty message, got: %s", out)
	}
}

func TestReposListRun_ShowsRepositories(t *testing.T) {
	st := useComponents(t)
	seedCache(t, st)
	reposPage, reposLimit, reposSearch = 1, 20, ""

	out := captureStdout(t, func() {
		if err := reposListRun(nil, nil); err != nil {
			t.Fatalf("reposListRun returned error: %v", err)
		}
	})
	for _, want := range []string{"library", "team", "Page 1 of 1 (2 repositories)"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestReposShowRun(t *testing.T) {
	st := useComponents(t)
	seedCache(t, st)

	out := captureStdout(t, func() {
		if err := reposShowRun(nil, []string{"library"}); err != nil {
			t.Fatalf("reposShowRun returned error: %v", err)
		}
	})
	for _, want := range []string{"Repository: library", "3.20", "0123456789ab", "linux/arm64", "3.0 MiB"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}

	out = captureStdout(t, func() {
		if err := reposShowRun(nil, []string{"team"}); err != nil {
			t.Fatalf("reposShowRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "(metadata unavailable)") {
		t.Errorf("expected unresolved tag marker, got: %s", out)
	}

	if err := reposShowRun(nil, []string{"missing"}); err == nil {
		t.Error("expected error for a repository that is not cached")
	}
}

func TestStatusRun(t *testing.T) {
	st := useComponents(t)
	seedCache(t, st)

	out := captureStdout(t, func() {
		if err := statusRun(nil, nil); err != nil {
			t.Fatalf("statusRun returned error: %v", err)
		}
	})
	for _, want := range []string{"Last sync:       never", "Repositories:    2", "Tags:            2"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

// ============================================================================
// Sync and tag commands without a registry
// ============================================================================

func TestSyncRun_WithoutRegistry(t *testing.T) {
	st := useComponents(t)
	syncFull = false

	var err error
	out := captureStdout(t, func() {
		err = syncRun(nil, nil)
	})
	if err == nil || !strings.Contains(err.Error(), "registry.url is not configured") {
		t.Fatalf("syncRun error = %v, want registry not configured", err)
	}
	if !strings.Contains(out, "Sync failed") {
		t.Errorf("expected failed run summary, got: %s", out)
	}

	last, getErr := st.GetSetting(context.Background(), store.SettingLastSyncError, "")
	if getErr != nil || !strings.Contains(last, "registry.url") {
		t.Errorf("last_sync_error = %q, %v", last, getErr)
	}
}

func TestTagDeleteRun_UnresolvedTag(t *testing.T) {
	st := useComponents(t)
	seedCache(t, st)

	if err := tagDeleteRun(nil, []string{"team/app", "broken"}); err == nil {
		t.Fatal("expected error deleting a tag without an index digest")
	}
	if _, err := st.GetTag(context.Background(), "team/app", "broken"); err != nil {
		t.Errorf("tag must stay cached: %v", err)
	}
}

// ============================================================================
// Settings, migrate, config
// ============================================================================

func TestSettingsRuns(t *testing.T) {
	useComponents(t)

	if err := settingsSetRun(nil, []string{"sync_interval", "soon"}); err == nil {
		t.Error("expected invalid sync_interval to be rejected")
	}

	captureStdout(t, func() {
		if err := settingsSetRun(nil, []string{"sync_interval", "90"}); err != nil {
			t.Fatalf("settingsSetRun returned error: %v", err)
		}
	})
	out := captureStdout(t, func() {
		if err := settingsGetRun(nil, []string{"sync_interval"}); err != nil {
			t.Fatalf("settingsGetRun returned error: %v", err)
		}
	})
	if strings.TrimSpace(out) != "90" {
		t.Errorf("settings get = %q, want 90", out)
	}

	out = captureStdout(t, func() {
		if err := settingsListRun(nil, nil); err != nil {
			t.Fatalf("settingsListRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "sync_interval") {
		t.Errorf("expected sync_interval in list, got: %s", out)
	}
}

func TestMigrateRun(t *testing.T) {
	useComponents(t)

	out := captureStdout(t, func() {
		if err := migrateRun(nil, nil); err != nil {
			t.Fatalf("migrateRun returned error: %v", err)
		}
	})
	latest := store.LatestSchemaVersion()
	if want := fmt.Sprintf("Schema version: %d (latest %d)", latest, latest); !strings.Contains(out, want) {
		t.Errorf("unexpected migrate output: %s", out)
	}
}

func TestConfigShowRun_MasksPassword(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Registry.URL = "https://registry.example.com"
	cfg.Registry.Username = "ci"
	cfg.Registry.Password = "hunter2"

	origCfg := globalCfg
	globalCfg = cfg
	t.Cleanup(func() { globalCfg = origCfg })

	out := captureStdout(t, func() {
		if err := configShowRun(nil, nil); err != nil {
			t.Fatalf("configShowRun returned error: %v", err)
		}
	})
	if strings.Contains(out, "hunter2") {
		t.Errorf("password leaked in output: %s", out)
	}
	if !strings.Contains(out, "registry.example.com") || !strings.Contains(out, "********") {
		t.Errorf("unexpected config output: %s", out)
	}
	if cfg.Registry.Password != "hunter2" {
		t.Error("configShowRun must not modify the loaded config")
	}
}

// ============================================================================
// Transfer
// ============================================================================

func TestExportImportRuns(t *testing.T) {
	st := useComponents(t)
	seedCache(t, st)
	path := filepath.Join(t.TempDir(), "cache.tar.xz")

	exportCompression = "xz"
	out := captureStdout(t, func() {
		if err := exportRun(nil, []string{path}); err != nil {
			t.Fatalf("exportRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Tags: 2") {
		t.Errorf("unexpected export output: %s", out)
	}

	// Import into a fresh cache.
	fresh := useComponents(t)
	importFull = false
	out = captureStdout(t, func() {
		if err := importRun(nil, []string{path}); err != nil {
			t.Fatalf("importRun returned error: %v", err)
		}
	})
	if !strings.Contains(out, "Tags: +2 ~0 -0") {
		t.Errorf("unexpected import output: %s", out)
	}
	counts, err := fresh.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts != (store.Counts{Repositories: 2, Images: 2, Tags: 2}) {
		t.Errorf("imported counts = %+v", counts)
	}

	exportCompression = "gzip"
	if err := exportRun(nil, []string{path}); err == nil {
		t.Error("expected unsupported compression to be rejected")
	}
}

// ============================================================================
// Root command
// ============================================================================

func TestRootCmd_SettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "regcache.yaml")
	if err := os.WriteFile(cfgFile, []byte("sync:\n  default_interval: 2m\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	db := filepath.Join(dir, "cache.db")

	run := func(args ...string) string {
		t.Helper()
		base := []string{"--config", cfgFile, "--db-path", db, "--log-level", "error"}
		cmd := NewRootCmd()
		cmd.SetArgs(append(base, args...))
		return captureStdout(t, func() {
			if err := cmd.Execute(); err != nil {
				t.Fatalf("regcache %v: %v", args, err)
			}
		})
	}
	t.Cleanup(func() {
		globalCfg, globalStore, globalEngine, globalClient = nil, nil, nil, nil
	})

	run("settings", "set", "sync_interval", "10m")
	if got := strings.TrimSpace(run("settings", "get", "sync_interval")); got != "10m" {
		t.Errorf("settings get = %q, want 10m", got)
	}
	if globalStore != nil {
		t.Error("store must be closed after the command")
	}

	out := run("status")
	if !strings.Contains(out, "Interval:        10m0s") {
		t.Errorf("status output missing interval: %s", out)
	}
}

func TestShortDigest(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"sha256:0123456789abcdef0123", "0123456789ab"},
		{"abc", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := shortDigest(tt.in); got != tt.want {
			t.Errorf("shortDigest(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
