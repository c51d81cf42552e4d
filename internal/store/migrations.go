package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const ledgerTableSQL = `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	);
`

// ledgerColumns are the columns the running engine expects on schema_version.
var ledgerColumns = []string{"version", "description", "applied_at"}

type migration struct {
	version     int
	description string
	sql         string
	// addColumns run after sql and skip columns that already exist, so a
	// migration replayed over a file with no ledger still succeeds.
	addColumns []columnDef
}

type columnDef struct {
	table      string
	column     string
	definition string
}

// migrations is the ordered schema history. Append only.
var migrations = []migration{
	{
		version:     1,
		description: "Create repositories, images, tags and tag_metadata tables",
		sql: `
			CREATE TABLE IF NOT EXISTS repositories (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				last_synced_at DATETIME NOT NULL
			);

			CREATE TABLE IF NOT EXISTS images (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				repository_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				full_name TEXT NOT NULL,
				pull_count INTEGER NOT NULL DEFAULT 0,
				UNIQUE(repository_id, full_name),
				FOREIGN KEY(repository_id) REFERENCES repositories(id) ON DELETE CASCADE
			);

			CREATE TABLE IF NOT EXISTS tags (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				image_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				digest TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				UNIQUE(image_id, name),
				FOREIGN KEY(image_id) REFERENCES images(id) ON DELETE CASCADE
			);

			CREATE TABLE IF NOT EXISTS tag_metadata (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tag_id INTEGER NOT NULL UNIQUE,
				created DATETIME NOT NULL,
				os TEXT NOT NULL DEFAULT '',
				architecture TEXT NOT NULL DEFAULT '',
				author TEXT NOT NULL DEFAULT '',
				dockerfile TEXT NOT NULL DEFAULT '',
				exposed_ports TEXT NOT NULL DEFAULT '[]',
				total_size INTEGER NOT NULL DEFAULT 0,
				working_dir TEXT NOT NULL DEFAULT '',
				command TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				content_digest TEXT NOT NULL DEFAULT '',
				entrypoint TEXT NOT NULL DEFAULT '',
				FOREIGN KEY(tag_id) REFERENCES tags(id) ON DELETE CASCADE
			);
		`,
	},
	{
		version:     2,
		description: "Add settings table",
		sql: `
			CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME NOT NULL
			);
		`,
	},
	{
		version:     3,
		description: "Add index_digest and is_oci to tag_metadata",
		addColumns: []columnDef{
			{table: "tag_metadata", column: "index_digest", definition: "TEXT NOT NULL DEFAULT ''"},
			{table: "tag_metadata", column: "is_oci", definition: "BOOLEAN NOT NULL DEFAULT 0"},
		},
	},
	{
		version:     4,
		description: "Add tag_layers table",
		sql: `
			CREATE TABLE IF NOT EXISTS tag_layers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tag_metadata_id INTEGER NOT NULL,
				position INTEGER NOT NULL,
				digest TEXT NOT NULL,
				size INTEGER NOT NULL DEFAULT 0,
				UNIQUE(tag_metadata_id, position),
				FOREIGN KEY(tag_metadata_id) REFERENCES tag_metadata(id) ON DELETE CASCADE
			);
		`,
	},
	{
		version:     5,
		description: "Add sync_runs history table",
		sql: `
			CREATE TABLE IF NOT EXISTS sync_runs (
				id TEXT PRIMARY KEY,
				started_at DATETIME NOT NULL,
				finished_at DATETIME NOT NULL,
				mode TEXT NOT NULL,
				status TEXT NOT NULL,
				repos_added INTEGER NOT NULL DEFAULT 0,
				repos_updated INTEGER NOT NULL DEFAULT 0,
				repos_removed INTEGER NOT NULL DEFAULT 0,
				images_added INTEGER NOT NULL DEFAULT 0,
				images_updated INTEGER NOT NULL DEFAULT 0,
				images_removed INTEGER NOT NULL DEFAULT 0,
				tags_added INTEGER NOT NULL DEFAULT 0,
				tags_updated INTEGER NOT NULL DEFAULT 0,
				tags_removed INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT ''
			);
		`,
	},
	{
		version:     6,
		description: "Add lookup indexes",
		sql: `
			CREATE INDEX IF NOT EXISTS idx_images_repository_id ON images(repository_id);
			CREATE INDEX IF NOT EXISTS idx_images_full_name ON images(full_name);
			CREATE INDEX IF NOT EXISTS idx_tags_image_id ON tags(image_id);
			CREATE INDEX IF NOT EXISTS idx_tag_layers_metadata_id ON tag_layers(tag_metadata_id);
			CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);
		`,
	},
}

// LatestSchemaVersion is the highest migration version this build knows.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate brings the ledger to the current structure and applies every
// pending migration in ascending order.
func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureLedger(ctx); err != nil {
		return err
	}

	currentVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	s.logger.Info("Current schema version", "version", currentVersion, "latest", LatestSchemaVersion())

	pending := 0
	for _, mig := range migrations {
		if mig.version > currentVersion {
			pending++
		}
	}
	if pending == 0 {
		return nil
	}

	// One transaction for the whole batch: a failure leaves the schema at
	// the version it started from.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, mig := range migrations {
		if mig.version <= currentVersion {
			continue
		}
		s.logger.Info("Running migration", "version", mig.version, "description", mig.description)

		if mig.sql != "" {
			if _, err := tx.ExecContext(ctx, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
		for _, col := range mig.addColumns {
			if err := addColumnIfMissing(ctx, tx, col); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
			mig.version, mig.description, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", mig.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}

	s.logger.Info("Migrations completed", "applied", pending, "version", LatestSchemaVersion())
	return nil
}

// ensureLedger creates the schema_version table, or rebuilds it when an
// older layout without the expected columns is found.
func (s *Store) ensureLedger(ctx context.Context) error {
	columns, err := s.tableColumns(ctx, "schema_version")
	if err != nil {
		return err
	}

	if len(columns) == 0 {
		if _, err := s.db.ExecContext(ctx, ledgerTableSQL); err != nil {
			return fmt.Errorf("failed to create schema_version table: %w", err)
		}
		return nil
	}

	missing := false
	for _, c := range ledgerColumns {
		if !columns[c] {
			missing = true
			break
		}
	}
	if !missing {
		return nil
	}

	s.logger.Warn("schema_version table has a legacy layout, rebuilding", "columns", len(columns))
	return s.repairLedger(ctx, columns)
}

// repairLedger backs up the legacy version rows, recreates the ledger and
// reinserts the history with best-effort descriptions.
func (s *Store) repairLedger(ctx context.Context, columns map[string]bool) error {
	type legacyRow struct {
		version   int
		appliedAt time.Time
	}

	var rows []legacyRow
	if columns["version"] {
		query := "SELECT version FROM schema_version ORDER BY version"
		if columns["applied_at"] {
			query = "SELECT version, applied_at FROM schema_version ORDER BY version"
		}
		res, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to read legacy schema_version rows: %w", err)
		}
		for res.Next() {
			var r legacyRow
			if columns["applied_at"] {
				// Legacy files may store applied_at as text; keep it only when
				// the driver already decoded a timestamp.
				var applied any
				if err := res.Scan(&r.version, &applied); err != nil {
					res.Close()
					return fmt.Errorf("failed to scan legacy schema_version row: %w", err)
				}
				if ts, ok := applied.(time.Time); ok {
					r.appliedAt = ts
				}
			} else if err := res.Scan(&r.version); err != nil {
				res.Close()
				return fmt.Errorf("failed to scan legacy schema_version row: %w", err)
			}
			rows = append(rows, r)
		}
		res.Close()
		if err := res.Err(); err != nil {
			return fmt.Errorf("error iterating legacy schema_version rows: %w", err)
		}
	}

	descriptions := make(map[int]string, len(migrations))
	for _, m := range migrations {
		descriptions[m.version] = m.description
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger repair: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE schema_version"); err != nil {
		return fmt.Errorf("failed to drop legacy schema_version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, ledgerTableSQL); err != nil {
		return fmt.Errorf("failed to recreate schema_version: %w", err)
	}

	now := time.Now().UTC()
	seen := make(map[int]bool, len(rows))
	for _, r := range rows {
		if seen[r.version] {
			continue
		}
		seen[r.version] = true

		desc, ok := descriptions[r.version]
		if !ok {
			desc = fmt.Sprintf("legacy migration %d", r.version)
		}
		applied := r.appliedAt
		if applied.IsZero() {
			applied = now
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
			r.version, desc, applied,
		); err != nil {
			return fmt.Errorf("failed to reinsert schema version %d: %w", r.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger repair: %w", err)
	}

	s.logger.Info("schema_version ledger rebuilt", "rows", len(seen))
	return nil
}

// addColumnIfMissing issues ALTER TABLE ADD COLUMN unless the column is
// already present.
func addColumnIfMissing(ctx context.Context, tx *sql.Tx, col columnDef) error {
	var exists bool
	if err := tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM pragma_table_info(?) WHERE name = ?)",
		col.table, col.column).Scan(&exists); err != nil {
		return fmt.Errorf("failed to inspect %s.%s: %w", col.table, col.column, err)
	}
	if exists {
		return nil
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", col.table, col.column, col.definition)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", col.table, col.column, err)
	}
	return nil
}

// tableColumns returns the column set of table, empty when it does not exist.
func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	var names []string
	if err := s.db.SelectContext(ctx, &names,
		"SELECT name FROM pragma_table_info(?)", table); err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	cols := make(map[string]bool, len(names))
	for _, n := range names {
		cols[n] = true
	}
	return cols, nil
}

// SchemaVersion returns the highest version recorded in the ledger, 0 when empty.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.GetContext(ctx, &version,
		"SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

// AppliedMigrations returns the ledger in ascending version order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]MigrationRecord, error) {
	var records []MigrationRecord
	if err := s.db.SelectContext(ctx, &records,
		"SELECT version, description, applied_at FROM schema_version ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	return records, nil
}
