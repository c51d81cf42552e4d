package engine

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/regcache/internal/registry"
	"github.com/BadgerOps/regcache/internal/safety"
	"github.com/BadgerOps/regcache/internal/store"
)

// Cache transfer archives carry the cache content to a host that cannot
// reach the registry. An archive is a compressed tar holding a manifest and
// the snapshot it describes.
const (
	transferVersion      = "1"
	transferManifestName = "regcache-manifest.json"
	transferSnapshotName = "snapshot.json"

	maxTransferManifestBytes = 1 << 20
	maxTransferSnapshotBytes = 1 << 30
)

// Compression selects the archive compressor.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionXZ   Compression = "xz"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// ParseCompression validates a compression name.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(s); c {
	case CompressionZstd, CompressionXZ:
		return c, nil
	case "":
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unsupported compression %q: use zstd or xz", s)
	}
}

// TransferManifest describes a cache export.
type TransferManifest struct {
	Version        string    `json:"version"`
	Created        time.Time `json:"created"`
	SourceHost     string    `json:"source_host"`
	SchemaVersion  int       `json:"schema_version"`
	Repositories   int       `json:"repositories"`
	Images         int       `json:"images"`
	Tags           int       `json:"tags"`
	SnapshotDigest string    `json:"snapshot_digest"`
	SnapshotSize   int64     `json:"snapshot_size"`
}

// ExportReport summarizes a completed export.
type ExportReport struct {
	Path     string
	Size     int64
	Manifest TransferManifest
	Duration time.Duration
}

// ImportReport summarizes a completed import.
type ImportReport struct {
	Manifest TransferManifest
	Changes  Changes
	Duration time.Duration
}

// Export writes the whole cache to a compressed archive at path.
func (m *SyncManager) Export(ctx context.Context, path string, compression Compression) (*ExportReport, error) {
	startTime := time.Now()

	snap, err := m.cacheSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Empty() {
		return nil, fmt.Errorf("cache is empty, nothing to export")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	schema, err := m.store.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	manifest := TransferManifest{
		Version:        transferVersion,
		Created:        startTime.UTC(),
		SourceHost:     host,
		SchemaVersion:  schema,
		Repositories:   len(snap.Repositories),
		Images:         snap.Stats.Images,
		Tags:           snap.Stats.Tags,
		SnapshotDigest: digest.FromBytes(payload).String(),
		SnapshotSize:   int64(len(payload)),
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	if err := writeTransferArchive(f, compression, manifestData, payload); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}

	report := &ExportReport{
		Path:     path,
		Size:     info.Size(),
		Manifest: manifest,
		Duration: time.Since(startTime),
	}
	m.logger.Info("export complete",
		"path", path,
		"compression", string(compression),
		"repositories", manifest.Repositories,
		"tags", manifest.Tags,
		"size", report.Size,
	)
	return report, nil
}

func writeTransferArchive(w io.Writer, compression Compression, manifest, snapshot []byte) error {
	var compressor io.WriteCloser
	switch compression {
	case CompressionZstd, "":
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("creating zstd writer: %w", err)
		}
		compressor = enc
	case CompressionXZ:
		enc, err := xz.NewWriter(w)
		if err != nil {
			return fmt.Errorf("creating xz writer: %w", err)
		}
		compressor = enc
	default:
		return fmt.Errorf("unsupported compression %q", compression)
	}

	tw := tar.NewWriter(compressor)
	now := time.Now()
	for _, entry := range []struct {
		name string
		data []byte
	}{
		{transferManifestName, manifest},
		{transferSnapshotName, snapshot},
	} {
		header := &tar.Header{
			Name:    entry.name,
			Mode:    0o644,
			Size:    int64(len(entry.data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing tar header: %w", err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			return fmt.Errorf("writing %s: %w", entry.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return fmt.Errorf("closing %s writer: %w", compression, err)
	}
	return nil
}

// Import reconciles the snapshot of an export archive into the cache. It
// shares the in-flight guard with sync passes and returns ErrSyncInProgress
// while one runs.
func (m *SyncManager) Import(ctx context.Context, path string, mode Mode) (*ImportReport, error) {
	startTime := time.Now()

	manifest, snap, err := ReadTransferArchive(path)
	if err != nil {
		return nil, err
	}
	m.logger.Info("import starting",
		"source", path,
		"source_host", manifest.SourceHost,
		"repositories", manifest.Repositories,
		"tags", manifest.Tags,
	)

	if !m.acquire() {
		return nil, ErrSyncInProgress
	}
	defer m.release()

	changes, err := m.reconciler.Apply(ctx, snap, mode)
	if err != nil {
		return nil, err
	}
	m.metrics.observeChanges(changes)

	report := &ImportReport{
		Manifest: *manifest,
		Changes:  changes,
		Duration: time.Since(startTime),
	}
	m.logger.Info("import complete",
		"duration", report.Duration.String(),
		"tags_added", changes.Tags.Added,
		"tags_updated", changes.Tags.Updated,
		"tags_removed", changes.Tags.Removed,
	)
	return report, nil
}

// ReadTransferArchive opens an export archive, verifies the snapshot
// against the manifest digest and decodes it.
func ReadTransferArchive(path string) (*TransferManifest, *registry.Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	r, closeReader, err := decompressor(bufio.NewReader(f))
	if err != nil {
		return nil, nil, err
	}
	defer closeReader()

	var manifestData, payload []byte
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			return nil, nil, fmt.Errorf("unsupported tar entry type for %s: %c", header.Name, header.Typeflag)
		}
		switch header.Name {
		case transferManifestName:
			manifestData, err = safety.ReadAllWithLimit(tr, maxTransferManifestBytes)
		case transferSnapshotName:
			payload, err = safety.ReadAllWithLimit(tr, maxTransferSnapshotBytes)
		default:
			return nil, nil, fmt.Errorf("unexpected archive entry %q", header.Name)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading %s: %w", header.Name, err)
		}
	}
	if manifestData == nil || payload == nil {
		return nil, nil, errors.New("archive is missing its manifest or snapshot")
	}

	var manifest TransferManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if manifest.Version != transferVersion {
		return nil, nil, fmt.Errorf("unsupported archive version %q", manifest.Version)
	}
	expected, err := digest.Parse(manifest.SnapshotDigest)
	if err != nil {
		return nil, nil, fmt.Errorf("manifest snapshot digest: %w", err)
	}
	if actual := expected.Algorithm().FromBytes(payload); actual != expected {
		return nil, nil, fmt.Errorf("snapshot digest mismatch: expected %s, got %s", expected, actual)
	}

	var snap registry.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	return &manifest, &snap, nil
}

// decompressor picks the decoder from the stream's magic bytes.
func decompressor(r *bufio.Reader) (io.Reader, func(), error) {
	magic, err := r.Peek(len(xzMagic))
	if err != nil {
		return nil, nil, fmt.Errorf("reading archive header: %w", err)
	}
	switch {
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	case bytes.HasPrefix(magic, xzMagic):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return xr, func() {}, nil
	default:
		return nil, nil, errors.New("archive is neither zstd nor xz compressed")
	}
}

// cacheSnapshot reads the cache back into snapshot form.
func (m *SyncManager) cacheSnapshot(ctx context.Context) (*registry.Snapshot, error) {
	names, err := m.store.RepositoryNames(ctx)
	if err != nil {
		return nil, err
	}
	snap := &registry.Snapshot{
		Repositories: make([]registry.RepositorySnapshot, 0, len(names)),
		FetchedAt:    time.Now().UTC(),
	}
	for _, name := range names {
		data, err := m.store.GetRepositoryData(ctx, name)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rs := registry.RepositorySnapshot{Name: data.Name}
		for _, img := range data.Images {
			is := registry.ImageSnapshot{
				Name:      img.Name,
				FullName:  img.FullName,
				PullCount: img.PullCount,
				Tags:      make([]registry.TagSnapshot, 0, len(img.Tags)),
			}
			for _, t := range img.Tags {
				is.Tags = append(is.Tags, registry.TagSnapshot{Name: t.Name, Digest: t.Digest, Metadata: t.Metadata})
			}
			snap.Stats.Images++
			snap.Stats.Tags += len(is.Tags)
			rs.Images = append(rs.Images, is)
		}
		snap.Repositories = append(snap.Repositories, rs)
	}
	return snap, nil
}
