package store

import (
	"context"
	"fmt"
)

// RecordSyncRun stores a finished reconciliation pass.
func (s *Store) RecordSyncRun(ctx context.Context, run *SyncRun) error {
	const query = `
		INSERT INTO sync_runs (
			id, started_at, finished_at, mode, status,
			repos_added, repos_updated, repos_removed,
			images_added, images_updated, images_removed,
			tags_added, tags_updated, tags_removed, error
		) VALUES (
			:id, :started_at, :finished_at, :mode, :status,
			:repos_added, :repos_updated, :repos_removed,
			:images_added, :images_updated, :images_removed,
			:tags_added, :tags_updated, :tags_removed, :error
		)
	`
	if _, err := s.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("failed to record sync run %s: %w", run.ID, err)
	}
	return nil
}

// ListSyncRuns returns the most recent passes first. A limit of 0 returns all.
func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	query := `
		SELECT id, started_at, finished_at, mode, status,
		       repos_added, repos_updated, repos_removed,
		       images_added, images_updated, images_removed,
		       tags_added, tags_updated, tags_removed, error
		FROM sync_runs
		ORDER BY started_at DESC, id DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	runs := []SyncRun{}
	if err := s.db.SelectContext(ctx, &runs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	return runs, nil
}
