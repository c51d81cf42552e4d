package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ListRepositories returns one page of repositories ordered by name. A
// non-empty search matches repository names and image full names.
func (s *Store) ListRepositories(ctx context.Context, page, limit int, search string) (*RepositoryPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	where := ""
	var args []interface{}
	if search = strings.TrimSpace(search); search != "" {
		pattern := "%" + escapeLike(search) + "%"
		where = ` WHERE r.name LIKE ? ESCAPE '\' OR EXISTS (
			SELECT 1 FROM images i WHERE i.repository_id = r.id AND i.full_name LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM repositories r"+where, args...); err != nil {
		return nil, fmt.Errorf("failed to count repositories: %w", err)
	}

	query := `
		SELECT r.id, r.name, r.last_synced_at,
		       (SELECT COUNT(*) FROM images i WHERE i.repository_id = r.id) AS image_count,
		       (SELECT COUNT(*) FROM tags t JOIN images i ON i.id = t.image_id
		        WHERE i.repository_id = r.id) AS tag_count
		FROM repositories r` + where + `
		ORDER BY r.name
		LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)

	repos := []RepositorySummary{}
	if err := s.db.SelectContext(ctx, &repos, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query repositories: %w", err)
	}

	return &RepositoryPage{
		Repositories: repos,
		TotalCount:   total,
		Page:         page,
		Limit:        limit,
	}, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// RepositoryNames returns every cached repository name in order.
func (s *Store) RepositoryNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names, "SELECT name FROM repositories ORDER BY name"); err != nil {
		return nil, fmt.Errorf("failed to query repository names: %w", err)
	}
	return names, nil
}

// GetRepositoryData returns a repository with its images, tags, metadata
// and layers.
func (s *Store) GetRepositoryData(ctx context.Context, name string) (*RepositoryData, error) {
	var repo Repository
	err := s.db.GetContext(ctx, &repo,
		"SELECT id, name, last_synced_at FROM repositories WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("repository %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query repository: %w", err)
	}

	var images []Image
	if err := s.db.SelectContext(ctx, &images, `
		SELECT id, repository_id, name, full_name, pull_count
		FROM images WHERE repository_id = ? ORDER BY full_name`, repo.ID); err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}

	var tags []Tag
	if err := s.db.SelectContext(ctx, &tags, `
		SELECT t.id, t.image_id, t.name, t.digest, t.created_at
		FROM tags t JOIN images i ON i.id = t.image_id
		WHERE i.repository_id = ? ORDER BY t.name`, repo.ID); err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}

	metadata, err := s.metadataForRepository(ctx, repo.ID)
	if err != nil {
		return nil, err
	}

	byImage := make(map[int64][]Tag, len(images))
	for _, t := range tags {
		t.Metadata = metadata[t.ID]
		byImage[t.ImageID] = append(byImage[t.ImageID], t)
	}

	data := &RepositoryData{Repository: repo, Images: make([]ImageData, 0, len(images))}
	for _, img := range images {
		imgTags := byImage[img.ID]
		if imgTags == nil {
			imgTags = []Tag{}
		}
		data.Images = append(data.Images, ImageData{Image: img, Tags: imgTags})
	}
	return data, nil
}

const metadataColumns = `
	m.id, m.tag_id, m.created, m.os, m.architecture, m.author, m.dockerfile,
	m.exposed_ports, m.total_size, m.working_dir, m.command, m.description,
	m.content_digest, m.entrypoint, m.index_digest, m.is_oci`

// metadataForRepository loads metadata and layers for every tag of a
// repository, keyed by tag ID.
func (s *Store) metadataForRepository(ctx context.Context, repositoryID int64) (map[int64]*TagMetadata, error) {
	var rows []TagMetadata
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT `+metadataColumns+`
		FROM tag_metadata m
		JOIN tags t ON t.id = m.tag_id
		JOIN images i ON i.id = t.image_id
		WHERE i.repository_id = ?`, repositoryID); err != nil {
		return nil, fmt.Errorf("failed to query tag metadata: %w", err)
	}

	var layers []struct {
		MetadataID int64 `db:"tag_metadata_id"`
		Layer
	}
	if err := s.db.SelectContext(ctx, &layers, `
		SELECT l.tag_metadata_id, l.digest, l.size
		FROM tag_layers l
		JOIN tag_metadata m ON m.id = l.tag_metadata_id
		JOIN tags t ON t.id = m.tag_id
		JOIN images i ON i.id = t.image_id
		WHERE i.repository_id = ?
		ORDER BY l.tag_metadata_id, l.position`, repositoryID); err != nil {
		return nil, fmt.Errorf("failed to query tag layers: %w", err)
	}

	byMetadata := make(map[int64][]Layer)
	for _, l := range layers {
		byMetadata[l.MetadataID] = append(byMetadata[l.MetadataID], l.Layer)
	}

	out := make(map[int64]*TagMetadata, len(rows))
	for i := range rows {
		md := &rows[i]
		md.Layers = byMetadata[md.ID]
		if md.Layers == nil {
			md.Layers = []Layer{}
		}
		out[md.TagID] = md
	}
	return out, nil
}

// GetTag returns one tag of an image, with its metadata when resolved.
func (s *Store) GetTag(ctx context.Context, fullName, tagName string) (*Tag, error) {
	var tag Tag
	err := s.db.GetContext(ctx, &tag, `
		SELECT t.id, t.image_id, t.name, t.digest, t.created_at
		FROM tags t JOIN images i ON i.id = t.image_id
		WHERE i.full_name = ? AND t.name = ?`, fullName, tagName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tag %s:%s: %w", fullName, tagName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tag: %w", err)
	}

	var md TagMetadata
	err = s.db.GetContext(ctx, &md, "SELECT "+metadataColumns+" FROM tag_metadata m WHERE m.tag_id = ?", tag.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return &tag, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tag metadata: %w", err)
	}

	md.Layers = []Layer{}
	if err := s.db.SelectContext(ctx, &md.Layers,
		"SELECT digest, size FROM tag_layers WHERE tag_metadata_id = ? ORDER BY position", md.ID); err != nil {
		return nil, fmt.Errorf("failed to query tag layers: %w", err)
	}
	tag.Metadata = &md
	return &tag, nil
}

// Counts returns the number of cached repositories, images and tags.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	if err := s.db.GetContext(ctx, &c, `
		SELECT (SELECT COUNT(*) FROM repositories) AS repositories,
		       (SELECT COUNT(*) FROM images) AS images,
		       (SELECT COUNT(*) FROM tags) AS tags`); err != nil {
		return Counts{}, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return c, nil
}
