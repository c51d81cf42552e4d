package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BadgerOps/regcache/internal/store"
)

// RootNamespace holds images pushed at the registry root.
const RootNamespace = "library"

// Snapshot is the registry content fetched in one pass.
type Snapshot struct {
	Repositories []RepositorySnapshot `json:"repositories"`
	FetchedAt    time.Time            `json:"fetchedAt"`
	Stats        FetchStats           `json:"stats"`
}

// RepositorySnapshot is one namespace and its images.
type RepositorySnapshot struct {
	Name   string          `json:"name"`
	Images []ImageSnapshot `json:"images"`
}

// ImageSnapshot is one registry repository path. Partial is set when its
// tag list could not be fetched; Tags is then empty but not authoritative.
type ImageSnapshot struct {
	Name      string        `json:"name"`
	FullName  string        `json:"fullName"`
	PullCount int64         `json:"pullCount"`
	Partial   bool          `json:"partial,omitempty"`
	Tags      []TagSnapshot `json:"tags"`
}

// TagSnapshot is one tag. Metadata is nil when resolution failed.
type TagSnapshot struct {
	Name     string             `json:"name"`
	Digest   string             `json:"digest"`
	Metadata *store.TagMetadata `json:"metadata,omitempty"`
}

// FetchStats counts what a fetch saw and what it failed to read.
type FetchStats struct {
	Images             int `json:"images"`
	Tags               int `json:"tags"`
	TagListFailures    int `json:"tagListFailures"`
	ResolutionFailures int `json:"resolutionFailures"`
}

// Empty reports whether the snapshot holds no repositories.
func (s *Snapshot) Empty() bool {
	return len(s.Repositories) == 0
}

// CatalogSource is the subset of Client the fetcher needs.
type CatalogSource interface {
	Catalog(ctx context.Context) ([]string, error)
	ListTags(ctx context.Context, repo string) ([]string, error)
}

// TagResolver resolves one tag to metadata, nil on failure.
type TagResolver interface {
	Resolve(ctx context.Context, repo, tag string) *store.TagMetadata
}

// Fetcher builds a Snapshot of the whole registry.
type Fetcher struct {
	source      CatalogSource
	resolver    TagResolver
	concurrency int
	logger      *slog.Logger
}

// NewFetcher creates a Fetcher that resolves at most concurrency tags at once.
func NewFetcher(source CatalogSource, resolver TagResolver, concurrency int, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Fetcher{
		source:      source,
		resolver:    resolver,
		concurrency: concurrency,
		logger:      logger,
	}
}

// SplitPath splits a registry repository path into its namespace and image
// name. Paths without a slash belong to RootNamespace.
func SplitPath(path string) (namespace, name string) {
	path = strings.Trim(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return RootNamespace, path
	}
	return path[:i], path[i+1:]
}

// Fetch enumerates the catalog, lists tags per image and resolves every tag.
// Only a catalog failure or cancellation is returned as an error; per-image
// and per-tag failures degrade the snapshot instead.
func (f *Fetcher) Fetch(ctx context.Context) (*Snapshot, error) {
	paths, err := f.source.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog: %w", err)
	}
	paths = uniquePaths(paths)

	images := make([]ImageSnapshot, len(paths))
	var tagListFailures, resolutionFailures atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	sem := semaphore.NewWeighted(int64(f.concurrency))

	for i, path := range paths {
		_, name := SplitPath(path)
		images[i] = ImageSnapshot{Name: name, FullName: strings.Trim(path, "/")}

		g.Go(func() error {
			img := &images[i]
			tags, err := f.source.ListTags(gctx, img.FullName)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				f.logger.Warn("failed to list tags", "image", img.FullName, "error", err)
				tagListFailures.Add(1)
				img.Partial = true
				img.Tags = []TagSnapshot{}
				return nil
			}

			img.Tags = make([]TagSnapshot, len(tags))
			tg, tctx := errgroup.WithContext(gctx)
			for j, tag := range tags {
				img.Tags[j].Name = tag
				tg.Go(func() error {
					if err := sem.Acquire(tctx, 1); err != nil {
						return err
					}
					defer sem.Release(1)

					md := f.resolver.Resolve(tctx, img.FullName, tag)
					if md == nil {
						resolutionFailures.Add(1)
						return nil
					}
					img.Tags[j].Metadata = md
					img.Tags[j].Digest = md.ContentDigest
					return nil
				})
			}
			return tg.Wait()
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("fetching tags: %w", err)
	}

	snap := &Snapshot{
		Repositories: groupByNamespace(images),
		FetchedAt:    time.Now().UTC(),
	}
	snap.Stats.Images = len(images)
	for _, img := range images {
		snap.Stats.Tags += len(img.Tags)
	}
	snap.Stats.TagListFailures = int(tagListFailures.Load())
	snap.Stats.ResolutionFailures = int(resolutionFailures.Load())

	f.logger.Info("fetched registry catalog",
		"repositories", len(snap.Repositories),
		"images", snap.Stats.Images,
		"tags", snap.Stats.Tags,
		"tag_list_failures", snap.Stats.TagListFailures,
		"resolution_failures", snap.Stats.ResolutionFailures,
	)
	return snap, nil
}

func groupByNamespace(images []ImageSnapshot) []RepositorySnapshot {
	byName := make(map[string]*RepositorySnapshot)
	var names []string
	for _, img := range images {
		ns, _ := SplitPath(img.FullName)
		repo, ok := byName[ns]
		if !ok {
			repo = &RepositorySnapshot{Name: ns}
			byName[ns] = repo
			names = append(names, ns)
		}
		repo.Images = append(repo.Images, img)
	}
	sort.Strings(names)

	out := make([]RepositorySnapshot, 0, len(names))
	for _, n := range names {
		repo := byName[n]
		sort.Slice(repo.Images, func(i, j int) bool { return repo.Images[i].FullName < repo.Images[j].FullName })
		out = append(out, *repo)
	}
	return out
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
