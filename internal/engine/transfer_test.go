package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestParseCompression(t *testing.T) {
	tests := []struct {
		in      string
		want    Compression
		wantErr bool
	}{
		{"", CompressionZstd, false},
		{"zstd", CompressionZstd, false},
		{"xz", CompressionXZ, false},
		{"gzip", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCompression(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCompression(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCompression(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionZstd, CompressionXZ} {
		t.Run(string(compression), func(t *testing.T) {
			ctx := context.Background()
			src, srcStore, _ := newTestSyncManager(t, &fakeFetcher{})
			apply(t, src.reconciler, snapshot(
				repo("library", image("alpine", tag("3.19", "A1"), tag("3.20", "A2"))),
				repo("team", image("team/app", tag("latest", "D1"), unresolved("broken"))),
			), ModeFull)

			path := filepath.Join(t.TempDir(), "cache.tar."+string(compression))
			report, err := src.Export(ctx, path, compression)
			if err != nil {
				t.Fatalf("Export() failed: %v", err)
			}
			if report.Size == 0 || report.Manifest.Tags != 4 || report.Manifest.Repositories != 2 {
				t.Errorf("export report = %+v", report)
			}

			dst, dstStore, _ := newTestSyncManager(t, &fakeFetcher{})
			imported, err := dst.Import(ctx, path, ModeDelta)
			if err != nil {
				t.Fatalf("Import() failed: %v", err)
			}
			if imported.Changes.Tags.Added != 4 || imported.Changes.Repositories.Added != 2 {
				t.Errorf("import changes = %+v", imported.Changes)
			}

			got := strings.Join(dump(t, dstStore), "\n")
			want := strings.Join(dump(t, srcStore), "\n")
			if got != want {
				t.Errorf("imported cache differs:\n--- got\n%s\n--- want\n%s", got, want)
			}

			again, err := dst.Import(ctx, path, ModeDelta)
			if err != nil {
				t.Fatalf("second Import() failed: %v", err)
			}
			if !again.Changes.Zero() {
				t.Errorf("second import changes = %+v, want none", again.Changes)
			}
		})
	}
}

func TestExport_EmptyCache(t *testing.T) {
	m, _, _ := newTestSyncManager(t, &fakeFetcher{})
	path := filepath.Join(t.TempDir(), "empty.tar.zst")
	if _, err := m.Export(context.Background(), path, CompressionZstd); err == nil {
		t.Fatal("expected error exporting an empty cache")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("archive should not be created, stat error = %v", err)
	}
}

func writeArchive(t *testing.T, compression Compression, manifest TransferManifest, payload []byte) string {
	t.Helper()
	manifestData, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := writeTransferArchive(&buf, compression, manifestData, payload); err != nil {
		t.Fatalf("writeTransferArchive() failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "archive")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadTransferArchive_DigestMismatch(t *testing.T) {
	payload := []byte(`{"repositories":[]}`)
	path := writeArchive(t, CompressionXZ, TransferManifest{
		Version:        transferVersion,
		SnapshotDigest: digest.FromString("something else").String(),
	}, payload)

	_, _, err := ReadTransferArchive(path)
	if err == nil || !strings.Contains(err.Error(), "digest mismatch") {
		t.Errorf("ReadTransferArchive() error = %v, want digest mismatch", err)
	}
}

func TestReadTransferArchive_UnsupportedVersion(t *testing.T) {
	payload := []byte(`{"repositories":[]}`)
	path := writeArchive(t, CompressionZstd, TransferManifest{
		Version:        "99",
		SnapshotDigest: digest.FromBytes(payload).String(),
	}, payload)

	if _, _, err := ReadTransferArchive(path); err == nil {
		t.Error("expected error for unsupported archive version")
	}
}

func TestReadTransferArchive_NotCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.tar")
	if err := os.WriteFile(path, []byte("just some plain bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := ReadTransferArchive(path); err == nil {
		t.Error("expected error for an uncompressed file")
	}
}

func TestImport_RejectsWhileSyncRuns(t *testing.T) {
	ctx := context.Background()
	src, _, _ := newTestSyncManager(t, &fakeFetcher{})
	apply(t, src.reconciler, snapshot(repo("team", image("team/app", tag("v1", "A")))), ModeFull)
	path := filepath.Join(t.TempDir(), "cache.tar.zst")
	if _, err := src.Export(ctx, path, CompressionZstd); err != nil {
		t.Fatalf("Export() failed: %v", err)
	}

	dst, _, _ := newTestSyncManager(t, &fakeFetcher{})
	if !dst.acquire() {
		t.Fatal("acquire() failed on an idle manager")
	}
	defer dst.release()

	if _, err := dst.Import(ctx, path, ModeDelta); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("Import() error = %v, want ErrSyncInProgress", err)
	}
}
