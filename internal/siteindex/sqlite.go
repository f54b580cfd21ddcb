// Package siteindex implements the engine's SiteIndex: a rebuildable
// SQLite secondary index over every list's pending requests and held
// messages, used by checkdbs-style consistency tooling and admin
// reporting. It is a derived cache — the per-list state files remain the
// only source of truth, per the append-safety requirement in spec.md §3.
package siteindex

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mailmanhq/engine/internal/liststore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the secondary index's SQLite connection.
type DB struct {
	*sql.DB
}

// Open opens (creating if absent) the SQLite index at path, with pragmas
// tuned for a single-writer, many-reader cache: WAL journaling so readers
// never block the rebuild writer, foreign keys on, and a busy timeout so
// concurrent tooling invocations serialize instead of failing outright.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("siteindex: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &DB{DB: db}, nil
}

// Migrate applies every embedded migration in filename order, tracked by
// a schema_version table, mirroring the teacher's embed-based migration
// runner.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("siteindex: create schema_version: %w", err)
	}
	current, err := d.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	for i, m := range migrations {
		version := i + 1
		if version <= current {
			continue
		}
		if err := d.applyMigration(ctx, version, m); err != nil {
			return fmt.Errorf("siteindex: apply migration %d: %w", version, err)
		}
	}
	return nil
}

func (d *DB) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := d.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("siteindex: read schema version: %w", err)
	}
	return version, nil
}

func loadMigrations() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("siteindex: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	migrations := make([]string, 0, len(names))
	for _, name := range names {
		body, err := fs.ReadFile(migrationsFS, "migrations/"+name)
		if err != nil {
			return nil, fmt.Errorf("siteindex: read migration %s: %w", name, err)
		}
		migrations = append(migrations, string(body))
	}
	return migrations, nil
}

func (d *DB) applyMigration(ctx context.Context, version int, body string) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return err
	}
	return tx.Commit()
}

// Rebuild truncates and repopulates the index from a list's authoritative
// state, the only write path this package exposes: the index is always
// derived, never edited directly.
func (d *DB) Rebuild(ctx context.Context, l *liststore.List) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("siteindex: begin rebuild for %s: %w", l.Name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_requests WHERE list = ?`, l.Name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM held_messages WHERE list = ?`, l.Name); err != nil {
		return err
	}
	for _, r := range l.PendingRequests {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO pending_requests (list, request_id, kind, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
			l.Name, r.ID, string(r.Kind), r.CreatedAt, r.ExpiresAt); err != nil {
			return fmt.Errorf("siteindex: insert pending request %d: %w", r.ID, err)
		}
	}
	for _, h := range l.HeldMessages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO held_messages (list, held_id, sender, subject, received_at, disposition) VALUES (?, ?, ?, ?, ?, ?)`,
			l.Name, h.ID, h.Sender, h.Subject, h.ReceivedAt, string(h.Disposition)); err != nil {
			return fmt.Errorf("siteindex: insert held message %d: %w", h.ID, err)
		}
	}
	return tx.Commit()
}

// PendingCount reports how many open pending requests every indexed list
// together holds, the headline number checkdbs reports.
func (d *DB) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := d.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_requests`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("siteindex: count pending requests: %w", err)
	}
	return n, nil
}

// HeldCount reports how many held messages across every indexed list are
// still awaiting moderator disposition.
func (d *DB) HeldCount(ctx context.Context) (int, error) {
	var n int
	err := d.QueryRowContext(ctx, `SELECT COUNT(*) FROM held_messages WHERE disposition = 'HELD'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("siteindex: count held messages: %w", err)
	}
	return n, nil
}
