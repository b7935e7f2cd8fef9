package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Migration moves the schema forward by one version. Up must be safe to
// run against a database that already has its changes.
type Migration struct {
	Version     int
	Description string
	Up          func(*sql.Tx) error
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "downloads and settings tables",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS downloads (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  url_id TEXT NOT NULL UNIQUE,
  url TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  progress REAL NOT NULL DEFAULT 0,
  file_path TEXT NOT NULL DEFAULT '',
  file_size INTEGER,
  error_message TEXT NOT NULL DEFAULT '',
  start_time INTEGER,
  end_time INTEGER,
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
CREATE TABLE IF NOT EXISTS settings (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "queue order and per-download options",
		Up: func(tx *sql.Tx) error {
			if has, err := columnExists(tx, "downloads", "queued_at"); err != nil {
				return err
			} else if !has {
				if _, err := tx.Exec(`ALTER TABLE downloads ADD COLUMN queued_at INTEGER`); err != nil {
					return err
				}
			}
			if has, err := columnExists(tx, "downloads", "options"); err != nil {
				return err
			} else if !has {
				if _, err := tx.Exec(`ALTER TABLE downloads ADD COLUMN options TEXT NOT NULL DEFAULT ''`); err != nil {
					return err
				}
			}
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_downloads_queue ON downloads(status, queued_at, created_at, id)`)
			return err
		},
	},
	{
		Version:     3,
		Description: "queue released by creation order",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
DROP INDEX IF EXISTS idx_downloads_queue;
CREATE INDEX IF NOT EXISTS idx_downloads_created ON downloads(status, created_at, id);
`)
			return err
		},
	},
}

// LatestVersion is the schema version this build migrates to.
func LatestVersion() int {
	latest := 0
	for _, m := range migrations {
		if m.Version > latest {
			latest = m.Version
		}
	}
	return latest
}

// migrate applies every migration above the recorded version in a single
// transaction.
func (s *Store) migrate(ctx context.Context, all []Migration) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  description TEXT NOT NULL DEFAULT '',
  applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	ordered := append([]Migration(nil), all...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	latest := 0
	var pending []Migration
	for _, m := range ordered {
		if m.Version > latest {
			latest = m.Version
		}
		if m.Version > current {
			pending = append(pending, m)
		}
	}
	if current > latest {
		return fmt.Errorf("schema version %d is newer than supported version %d", current, latest)
	}
	if len(pending) == 0 {
		return nil
	}

	return s.runTx(ctx, func(tx *sql.Tx) error {
		for _, m := range pending {
			if err := m.Up(tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
			}
			if _, err := tx.Exec(
				`INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Description, s.nowMillis(),
			); err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
		}
		return nil
	})
}

// SchemaVersion returns the highest applied migration version, 0 for a
// fresh database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return int(v.Int64), nil
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(`PRAGMA table_info(` + table + `)`)
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			defaultVal sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultVal, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
