package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BadgerOps/regcache/internal/registry"
	"github.com/BadgerOps/regcache/internal/store"
)

// Mode selects how a reconciliation pass treats tags whose digest is unchanged.
type Mode string

const (
	// ModeDelta skips tags whose stored digest matches the snapshot.
	ModeDelta Mode = "delta"
	// ModeFull also rewrites tags whose digest is unchanged, so metadata
	// stored under an older schema is rebuilt. Rewrites are not counted as
	// updates: a full pass over an unchanged registry reports no changes.
	ModeFull Mode = "full"
)

// EntityChanges counts the mutations applied to one entity kind.
type EntityChanges struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
}

// Total returns the number of mutations.
func (c EntityChanges) Total() int {
	return c.Added + c.Updated + c.Removed
}

// Changes is the outcome of one reconciliation pass.
type Changes struct {
	Repositories EntityChanges `json:"repositories"`
	Images       EntityChanges `json:"images"`
	Tags         EntityChanges `json:"tags"`
}

// Zero reports whether the pass changed nothing.
func (c Changes) Zero() bool {
	return c.Repositories.Total()+c.Images.Total()+c.Tags.Total() == 0
}

// Reconciler applies a registry snapshot to the cache.
type Reconciler struct {
	store  *store.Store
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(st *store.Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: st, logger: logger}
}

// Apply diffs snap against the cache and writes the difference in one
// transaction. On error nothing is written.
//
// An empty snapshot never deletes anything: it is far more likely to be a
// failed fetch than an empty registry.
func (r *Reconciler) Apply(ctx context.Context, snap *registry.Snapshot, mode Mode) (Changes, error) {
	var changes Changes
	if snap == nil {
		return changes, errors.New("nil snapshot")
	}

	now := snap.FetchedAt
	if now.IsZero() {
		now = time.Now()
	}
	pass := &pass{mode: mode, now: now.UTC(), logger: r.logger}

	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		pass.tx = tx
		return pass.repositories(ctx, snap)
	})
	if err != nil {
		return Changes{}, fmt.Errorf("reconciliation rolled back: %w", err)
	}
	if pass.refreshed > 0 {
		r.logger.Debug("refreshed unchanged tags", "count", pass.refreshed)
	}
	return pass.changes, nil
}

// DeleteTag removes one tag from the cache in its own transaction. A tag
// that is already gone is not an error.
func (r *Reconciler) DeleteTag(ctx context.Context, fullName, tagName string) (bool, error) {
	var deleted bool
	err := r.store.WithTx(ctx, func(tx *store.Tx) error {
		tag, err := tx.FindTag(ctx, fullName, tagName)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.DeleteTag(ctx, tag.ID); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete cached tag %s:%s: %w", fullName, tagName, err)
	}
	return deleted, nil
}

// pass carries the state of one reconciliation.
type pass struct {
	tx      *store.Tx
	mode    Mode
	now     time.Time
	logger  *slog.Logger
	changes Changes
	// refreshed counts full-mode rewrites of tags with an unchanged digest.
	refreshed int
}

func (p *pass) repositories(ctx context.Context, snap *registry.Snapshot) error {
	if snap.Empty() {
		p.logger.Warn("empty registry snapshot, keeping cached repositories")
		return nil
	}

	existing, err := p.tx.Repositories(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]store.Repository, len(existing))
	for _, repo := range existing {
		byName[repo.Name] = repo
	}
	found := make(map[string]bool, len(snap.Repositories))

	for _, rs := range snap.Repositories {
		repo, ok := byName[rs.Name]
		if ok {
			if err := p.tx.TouchRepository(ctx, repo.ID, p.now); err != nil {
				return err
			}
		} else {
			repo = store.Repository{Name: rs.Name, LastSyncedAt: p.now}
			if err := p.tx.InsertRepository(ctx, &repo); err != nil {
				return err
			}
			p.changes.Repositories.Added++
		}
		found[rs.Name] = true

		if err := p.images(ctx, repo.ID, rs.Images, ok); err != nil {
			return err
		}
	}

	for _, repo := range existing {
		if found[repo.Name] {
			continue
		}
		if err := p.tx.DeleteRepository(ctx, repo.ID); err != nil {
			return err
		}
		p.changes.Repositories.Removed++
		p.logger.Debug("removed repository", "repository", repo.Name)
	}
	return nil
}

func (p *pass) images(ctx context.Context, repoID int64, snapshot []registry.ImageSnapshot, known bool) error {
	byName := make(map[string]store.Image)
	var existing []store.Image
	if known {
		var err error
		existing, err = p.tx.Images(ctx, repoID)
		if err != nil {
			return err
		}
		for _, img := range existing {
			byName[img.FullName] = img
		}
	}
	found := make(map[string]bool, len(snapshot))

	for _, is := range snapshot {
		img, ok := byName[is.FullName]
		switch {
		case !ok:
			img = store.Image{
				RepositoryID: repoID,
				Name:         is.Name,
				FullName:     is.FullName,
				PullCount:    is.PullCount,
			}
			if err := p.tx.InsertImage(ctx, &img); err != nil {
				return err
			}
			p.changes.Images.Added++
		case img.Name != is.Name || img.PullCount != is.PullCount:
			img.Name = is.Name
			img.PullCount = is.PullCount
			if err := p.tx.UpdateImage(ctx, &img); err != nil {
				return err
			}
			p.changes.Images.Updated++
		}
		found[is.FullName] = true

		if is.Partial {
			p.logger.Debug("tag list unavailable, keeping cached tags", "image", is.FullName)
			continue
		}
		if err := p.tags(ctx, img.ID, is.Tags, ok); err != nil {
			return err
		}
	}

	for _, img := range existing {
		if found[img.FullName] {
			continue
		}
		if err := p.tx.DeleteImage(ctx, img.ID); err != nil {
			return err
		}
		p.changes.Images.Removed++
		p.logger.Debug("removed image", "image", img.FullName)
	}
	return nil
}

func (p *pass) tags(ctx context.Context, imageID int64, snapshot []registry.TagSnapshot, known bool) error {
	byName := make(map[string]store.Tag)
	var existing []store.Tag
	if known {
		var err error
		existing, err = p.tx.Tags(ctx, imageID)
		if err != nil {
			return err
		}
		for _, tag := range existing {
			byName[tag.Name] = tag
		}
	}
	found := make(map[string]bool, len(snapshot))

	for _, ts := range snapshot {
		found[ts.Name] = true
		old, ok := byName[ts.Name]
		if ok {
			// Unresolved metadata never replaces what is cached.
			if ts.Metadata == nil {
				continue
			}
			unchanged := old.Digest == ts.Digest
			if unchanged && p.mode != ModeFull {
				continue
			}
			if err := p.tx.DeleteTag(ctx, old.ID); err != nil {
				return err
			}
			if err := p.insertTag(ctx, imageID, ts); err != nil {
				return err
			}
			if unchanged {
				p.refreshed++
			} else {
				p.changes.Tags.Updated++
			}
			continue
		}

		if err := p.insertTag(ctx, imageID, ts); err != nil {
			return err
		}
		p.changes.Tags.Added++
	}

	for _, tag := range existing {
		if found[tag.Name] {
			continue
		}
		if err := p.tx.DeleteTag(ctx, tag.ID); err != nil {
			return err
		}
		p.changes.Tags.Removed++
	}
	return nil
}

func (p *pass) insertTag(ctx context.Context, imageID int64, ts registry.TagSnapshot) error {
	tag := store.Tag{
		ImageID:   imageID,
		Name:      ts.Name,
		Digest:    ts.Digest,
		CreatedAt: p.now,
	}
	if ts.Metadata != nil {
		md := *ts.Metadata
		md.Layers = append([]store.Layer(nil), ts.Metadata.Layers...)
		tag.Metadata = &md
	}
	return p.tx.InsertTag(ctx, &tag)
}
