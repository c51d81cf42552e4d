package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Tx is the write side of the cache, scoped to one transaction. Deletes are
// issued child-first (layers, metadata, tags, images, repositories) so the
// cascade order holds even on a connection without foreign key enforcement.
type Tx struct {
	tx *sqlx.Tx
}

// ============================================================================
// Repositories
// ============================================================================

// Repositories returns every cached repository.
func (t *Tx) Repositories(ctx context.Context) ([]Repository, error) {
	var repos []Repository
	if err := t.tx.SelectContext(ctx, &repos,
		"SELECT id, name, last_synced_at FROM repositories ORDER BY name"); err != nil {
		return nil, fmt.Errorf("failed to query repositories: %w", err)
	}
	return repos, nil
}

// InsertRepository inserts a repository and sets its ID.
func (t *Tx) InsertRepository(ctx context.Context, repo *Repository) error {
	result, err := t.tx.ExecContext(ctx,
		"INSERT INTO repositories (name, last_synced_at) VALUES (?, ?)",
		repo.Name, repo.LastSyncedAt)
	if err != nil {
		return fmt.Errorf("failed to insert repository %s: %w", repo.Name, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	repo.ID = id
	return nil
}

// TouchRepository updates last_synced_at.
func (t *Tx) TouchRepository(ctx context.Context, id int64, syncedAt time.Time) error {
	if _, err := t.tx.ExecContext(ctx,
		"UPDATE repositories SET last_synced_at = ? WHERE id = ?", syncedAt, id); err != nil {
		return fmt.Errorf("failed to update repository %d: %w", id, err)
	}
	return nil
}

// DeleteRepository removes a repository with all its images and tags.
func (t *Tx) DeleteRepository(ctx context.Context, id int64) error {
	stmts := []string{
		`DELETE FROM tag_layers WHERE tag_metadata_id IN (
			SELECT m.id FROM tag_metadata m
			JOIN tags tg ON tg.id = m.tag_id
			JOIN images i ON i.id = tg.image_id
			WHERE i.repository_id = ?)`,
		`DELETE FROM tag_metadata WHERE tag_id IN (
			SELECT tg.id FROM tags tg
			JOIN images i ON i.id = tg.image_id
			WHERE i.repository_id = ?)`,
		`DELETE FROM tags WHERE image_id IN (SELECT id FROM images WHERE repository_id = ?)`,
		`DELETE FROM images WHERE repository_id = ?`,
		`DELETE FROM repositories WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := t.tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete repository %d: %w", id, err)
		}
	}
	return nil
}

// ============================================================================
// Images
// ============================================================================

// Images returns the images of one repository.
func (t *Tx) Images(ctx context.Context, repositoryID int64) ([]Image, error) {
	var images []Image
	if err := t.tx.SelectContext(ctx, &images, `
		SELECT id, repository_id, name, full_name, pull_count
		FROM images WHERE repository_id = ? ORDER BY full_name`, repositoryID); err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	return images, nil
}

// InsertImage inserts an image and sets its ID.
func (t *Tx) InsertImage(ctx context.Context, img *Image) error {
	result, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO images (repository_id, name, full_name, pull_count)
		VALUES (:repository_id, :name, :full_name, :pull_count)`, img)
	if err != nil {
		return fmt.Errorf("failed to insert image %s: %w", img.FullName, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	img.ID = id
	return nil
}

// UpdateImage rewrites the mutable image columns.
func (t *Tx) UpdateImage(ctx context.Context, img *Image) error {
	result, err := t.tx.NamedExecContext(ctx, `
		UPDATE images SET name = :name, pull_count = :pull_count WHERE id = :id`, img)
	if err != nil {
		return fmt.Errorf("failed to update image %s: %w", img.FullName, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("image %d: %w", img.ID, ErrNotFound)
	}
	return nil
}

// DeleteImage removes an image with all its tags.
func (t *Tx) DeleteImage(ctx context.Context, id int64) error {
	stmts := []string{
		`DELETE FROM tag_layers WHERE tag_metadata_id IN (
			SELECT m.id FROM tag_metadata m
			JOIN tags tg ON tg.id = m.tag_id
			WHERE tg.image_id = ?)`,
		`DELETE FROM tag_metadata WHERE tag_id IN (SELECT id FROM tags WHERE image_id = ?)`,
		`DELETE FROM tags WHERE image_id = ?`,
		`DELETE FROM images WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := t.tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete image %d: %w", id, err)
		}
	}
	return nil
}

// ============================================================================
// Tags
// ============================================================================

// Tags returns the tags of one image, without metadata.
func (t *Tx) Tags(ctx context.Context, imageID int64) ([]Tag, error) {
	var tags []Tag
	if err := t.tx.SelectContext(ctx, &tags, `
		SELECT id, image_id, name, digest, created_at
		FROM tags WHERE image_id = ? ORDER BY name`, imageID); err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	return tags, nil
}

// FindTag looks up a tag by image full name and tag name.
func (t *Tx) FindTag(ctx context.Context, fullName, tagName string) (*Tag, error) {
	var tag Tag
	err := t.tx.GetContext(ctx, &tag, `
		SELECT tg.id, tg.image_id, tg.name, tg.digest, tg.created_at
		FROM tags tg JOIN images i ON i.id = tg.image_id
		WHERE i.full_name = ? AND tg.name = ?`, fullName, tagName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tag %s:%s: %w", fullName, tagName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tag: %w", err)
	}
	return &tag, nil
}

// InsertTag inserts a tag, and its metadata and layers when present.
func (t *Tx) InsertTag(ctx context.Context, tag *Tag) error {
	result, err := t.tx.ExecContext(ctx,
		"INSERT INTO tags (image_id, name, digest, created_at) VALUES (?, ?, ?, ?)",
		tag.ImageID, tag.Name, tag.Digest, tag.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tag %s: %w", tag.Name, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	tag.ID = id

	if tag.Metadata == nil {
		return nil
	}
	return t.insertMetadata(ctx, tag.ID, tag.Metadata)
}

func (t *Tx) insertMetadata(ctx context.Context, tagID int64, md *TagMetadata) error {
	md.TagID = tagID
	result, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO tag_metadata (
			tag_id, created, os, architecture, author, dockerfile, exposed_ports,
			total_size, working_dir, command, description, content_digest,
			entrypoint, index_digest, is_oci
		) VALUES (
			:tag_id, :created, :os, :architecture, :author, :dockerfile, :exposed_ports,
			:total_size, :working_dir, :command, :description, :content_digest,
			:entrypoint, :index_digest, :is_oci
		)`, md)
	if err != nil {
		return fmt.Errorf("failed to insert tag metadata: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	md.ID = id

	for i, layer := range md.Layers {
		if _, err := t.tx.ExecContext(ctx,
			"INSERT INTO tag_layers (tag_metadata_id, position, digest, size) VALUES (?, ?, ?, ?)",
			md.ID, i, layer.Digest, layer.Size); err != nil {
			return fmt.Errorf("failed to insert layer %d: %w", i, err)
		}
	}
	return nil
}

// DeleteTag removes a tag with its metadata and layers.
func (t *Tx) DeleteTag(ctx context.Context, id int64) error {
	stmts := []string{
		`DELETE FROM tag_layers WHERE tag_metadata_id IN (SELECT id FROM tag_metadata WHERE tag_id = ?)`,
		`DELETE FROM tag_metadata WHERE tag_id = ?`,
		`DELETE FROM tags WHERE id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := t.tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("failed to delete tag %d: %w", id, err)
		}
	}
	return nil
}
