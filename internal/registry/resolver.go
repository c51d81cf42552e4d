package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/BadgerOps/regcache/internal/store"
)

// Placeholder values for config fields the image does not carry.
const (
	UnknownAuthor     = "Unknown"
	UnknownCommand    = "Unknown Command"
	UnknownEntrypoint = "Unknown Entrypoint"
	NoDescription     = "No description found"
	NoDockerfile      = "No Dockerfile found"
)

// ManifestSource is the subset of Client the resolver needs.
type ManifestSource interface {
	GetManifest(ctx context.Context, repo, reference string) (*Manifest, error)
	GetBlob(ctx context.Context, repo string, dgst digest.Digest) ([]byte, error)
}

// Resolver turns a tag into normalized TagMetadata.
type Resolver struct {
	source ManifestSource
	logger *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(source ManifestSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, logger: logger}
}

// Resolve returns the metadata for repo:tag, or nil when any step fails.
// Failures are logged and never propagate, so the tag is still recorded.
func (r *Resolver) Resolve(ctx context.Context, repo, tag string) *store.TagMetadata {
	md, err := r.resolve(ctx, repo, tag)
	if err != nil {
		r.logger.Warn("tag metadata unavailable", "image", repo, "tag", tag, "error", err)
		return nil
	}
	return md
}

func (r *Resolver) resolve(ctx context.Context, repo, tag string) (*store.TagMetadata, error) {
	top, err := r.source.GetManifest(ctx, repo, tag)
	if err != nil {
		return nil, err
	}

	md := &store.TagMetadata{
		IndexDigest: top.Digest.String(),
		IsOCI:       top.IsOCI(),
	}

	image := top
	var platform *ocispec.Platform
	switch top.Kind {
	case KindOCIIndex:
		entry, ok := top.PlatformManifest()
		if !ok {
			return nil, fmt.Errorf("index %s has no platform manifest", top.Digest)
		}
		image, err = r.source.GetManifest(ctx, repo, entry.Digest.String())
		if err != nil {
			return nil, fmt.Errorf("fetching platform manifest: %w", err)
		}
		if image.Kind == KindOCIIndex {
			return nil, fmt.Errorf("%w: nested index %s", ErrUnsupportedManifest, entry.Digest)
		}
		contentDigest, err := CanonicalIndexDigest(top.Raw)
		if err != nil {
			return nil, err
		}
		md.ContentDigest = contentDigest.String()
		md.TotalSize = entry.Size + image.LayerSize()
		platform = entry.Platform
	case KindDockerV2, KindOCIManifest:
		md.TotalSize = image.LayerSize()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedManifest, top.Kind)
	}

	configDigest, err := image.ConfigDigest()
	if err != nil {
		return nil, err
	}
	if top.Kind != KindOCIIndex {
		md.ContentDigest = top.HeaderDigest
		if md.ContentDigest == "" {
			md.ContentDigest = configDigest.String()
		}
	}

	md.Layers = make([]store.Layer, 0, len(image.Image.Layers))
	for _, l := range image.Image.Layers {
		md.Layers = append(md.Layers, store.Layer{Digest: l.Digest.String(), Size: l.Size})
	}

	blob, err := r.source.GetBlob(ctx, repo, configDigest)
	if err != nil {
		return nil, fmt.Errorf("fetching image config: %w", err)
	}
	var cfg ocispec.Image
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return nil, fmt.Errorf("parsing image config: %w", err)
	}
	applyImageConfig(md, &cfg)

	if md.OS == "" && platform != nil {
		md.OS = platform.OS
	}
	if md.Architecture == "" && platform != nil {
		md.Architecture = platform.Architecture
	}
	return md, nil
}

// applyImageConfig copies the descriptive fields of an image config.
func applyImageConfig(md *store.TagMetadata, cfg *ocispec.Image) {
	if cfg.Created != nil {
		md.Created = cfg.Created.UTC()
	} else {
		md.Created = time.Unix(0, 0).UTC()
	}
	md.OS = cfg.OS
	md.Architecture = cfg.Architecture
	md.WorkingDir = cfg.Config.WorkingDir

	labels := cfg.Config.Labels
	md.Author = firstNonEmpty(labels[ocispec.AnnotationAuthors], labels[ocispec.AnnotationVendor], UnknownAuthor)
	md.Description = firstNonEmpty(labels[ocispec.AnnotationDescription], NoDescription)

	md.Command = UnknownCommand
	if len(cfg.Config.Cmd) > 0 {
		md.Command = strings.Join(cfg.Config.Cmd, " ")
	}
	md.Entrypoint = UnknownEntrypoint
	if len(cfg.Config.Entrypoint) > 0 {
		md.Entrypoint = strings.Join(cfg.Config.Entrypoint, " ")
	}

	ports := make(store.StringList, 0, len(cfg.Config.ExposedPorts))
	for p := range cfg.Config.ExposedPorts {
		ports = append(ports, p)
	}
	sort.Strings(ports)
	md.ExposedPorts = ports

	var history []string
	for _, h := range cfg.History {
		if h.CreatedBy != "" {
			history = append(history, h.CreatedBy)
		}
	}
	md.Dockerfile = NoDockerfile
	if len(history) > 0 {
		md.Dockerfile = strings.Join(history, "\n")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
