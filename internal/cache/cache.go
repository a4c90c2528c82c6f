// Package cache persists last-known-good store snapshots in an embedded
// SQLite database so the CLI can render an entity before its first sync
// completes.
//
// Architecture:
//   - Database file: ~/.cache/consolesync/snapshots.db (configurable)
//   - WAL mode: readers (cache show) run while watch writes
//   - Schema: one snapshots row per entity kind, records stored as JSON
//
// Snapshots are written after each applied sync and read once at startup.
// The cache never feeds a store after a live sync has started.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by Load when no snapshot exists for an entity.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot is one entity's cached collection.
type Snapshot struct {
	Entity    string
	Records   json.RawMessage
	Count     int
	Page      int
	UpdatedAt time.Time
}

// Cache wraps the SQLite connection.
type Cache struct {
	conn *sql.DB
	path string
}

// Open creates or opens the cache database at path and initializes its
// schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	c := &Cache{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := c.conn.Exec(pragma); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := c.initSchema(context.Background()); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Path returns the database file path.
func (c *Cache) Path() string {
	return c.path
}

// Close checkpoints the WAL and closes the connection.
func (c *Cache) Close() error {
	if c.conn == nil {
		return nil
	}
	if _, err := c.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	c.conn = nil
	return nil
}

func (c *Cache) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		entity TEXT PRIMARY KEY,
		records TEXT NOT NULL,  -- JSON array
		count INTEGER NOT NULL DEFAULT 0,
		page INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := c.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Save replaces the snapshot for snap.Entity.
func (c *Cache) Save(ctx context.Context, snap Snapshot) error {
	if snap.Entity == "" {
		return fmt.Errorf("entity cannot be empty")
	}
	records := snap.Records
	if len(records) == 0 {
		records = json.RawMessage("[]")
	}
	updated := snap.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	query := `
	INSERT INTO snapshots (entity, records, count, page, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(entity) DO UPDATE SET
		records = excluded.records,
		count = excluded.count,
		page = excluded.page,
		updated_at = excluded.updated_at
	`
	_, err := c.conn.ExecContext(ctx, query,
		snap.Entity,
		string(records),
		snap.Count,
		snap.Page,
		updated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save %s snapshot: %w", snap.Entity, err)
	}
	return nil
}

// Load returns the snapshot for entity, or ErrNotFound.
func (c *Cache) Load(ctx context.Context, entity string) (*Snapshot, error) {
	row := c.conn.QueryRowContext(ctx,
		`SELECT entity, records, count, page, updated_at FROM snapshots WHERE entity = ?`, entity)

	snap, err := scanSnapshot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s snapshot: %w", entity, err)
	}
	return snap, nil
}

// List returns every cached snapshot ordered by entity.
func (c *Cache) List(ctx context.Context) ([]*Snapshot, error) {
	rows, err := c.conn.QueryContext(ctx,
		`SELECT entity, records, count, page, updated_at FROM snapshots ORDER BY entity`)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// Delete removes the snapshot for entity. Missing snapshots are ignored.
func (c *Cache) Delete(ctx context.Context, entity string) error {
	if _, err := c.conn.ExecContext(ctx, `DELETE FROM snapshots WHERE entity = ?`, entity); err != nil {
		return fmt.Errorf("failed to delete %s snapshot: %w", entity, err)
	}
	return nil
}

func scanSnapshot(scan func(dest ...any) error) (*Snapshot, error) {
	var (
		snap    Snapshot
		records string
		updated string
	)
	if err := scan(&snap.Entity, &records, &snap.Count, &snap.Page, &updated); err != nil {
		return nil, err
	}
	snap.Records = json.RawMessage(records)
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		snap.UpdatedAt = t
	}
	return &snap, nil
}
