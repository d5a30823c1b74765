// Package sqlite implements cache.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shpitdev/property-enrichment/internal/enrich"
)

const schema = `
CREATE TABLE IF NOT EXISTS parents (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	name_key   TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS parents_name_key_idx ON parents (name_key);

CREATE TABLE IF NOT EXISTS targets (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	parent_id        INTEGER NOT NULL REFERENCES parents (id),
	name             TEXT NOT NULL,
	name_key         TEXT NOT NULL,
	slug             TEXT NOT NULL UNIQUE,
	payload          TEXT NOT NULL DEFAULT '{}',
	confidence_score REAL NOT NULL DEFAULT 0,
	last_analyzed    TEXT,
	data_source      TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	UNIQUE (parent_id, name_key)
);
`

const selectTarget = `
SELECT t.id, t.parent_id, t.name, p.name, t.slug, t.payload, t.confidence_score,
       t.last_analyzed, t.data_source, t.created_at, t.updated_at
FROM targets t JOIN parents p ON p.id = t.parent_id
`

// nameKey folds a name for matching. SQLite's NOCASE only folds ASCII, so
// keys are folded here to agree with the Postgres and memory stores.
func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the database at path. Use ":memory:" for an
// ephemeral database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	logger.Info("opening sqlite store", "path", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetBySlug(ctx context.Context, slug string) (enrich.Record, error) {
	row := s.db.QueryRowContext(ctx, selectTarget+`WHERE t.slug = ?`, slug)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return enrich.Record{}, enrich.ErrNotFound
	}
	return rec, err
}

func (s *Store) FindOrCreateParent(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM parents WHERE name_key = ? ORDER BY id LIMIT 1`, nameKey(name)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find parent: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO parents (name, name_key, created_at) VALUES (?, ?, ?) RETURNING id`,
		name, nameKey(name), formatTime(s.now()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create parent: %w", err)
	}
	s.logger.Info("created parent", "name", name, "id", id)
	return id, nil
}

func (s *Store) UpsertTarget(ctx context.Context, parentID int64, rec enrich.Record) (enrich.Record, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return enrich.Record{}, fmt.Errorf("encode payload: %w", err)
	}
	now := formatTime(s.now())

	var id int64
	err = s.db.QueryRowContext(ctx, `
INSERT INTO targets (parent_id, name, name_key, slug, payload, confidence_score, last_analyzed, data_source, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (parent_id, name_key) DO UPDATE SET
	slug             = excluded.slug,
	payload          = excluded.payload,
	confidence_score = excluded.confidence_score,
	last_analyzed    = excluded.last_analyzed,
	data_source      = excluded.data_source,
	updated_at       = excluded.updated_at
RETURNING id`,
		parentID, rec.TargetName, nameKey(rec.TargetName), rec.Slug, string(payload), rec.ConfidenceScore,
		nullableTime(rec.LastAnalyzed), rec.DataSource, now, now,
	).Scan(&id)
	if err != nil {
		return enrich.Record{}, fmt.Errorf("upsert target: %w", err)
	}

	out, err := scanRecord(s.db.QueryRowContext(ctx, selectTarget+`WHERE t.id = ?`, id))
	if err != nil {
		return enrich.Record{}, fmt.Errorf("reload target %d: %w", id, err)
	}
	return out, nil
}

func (s *Store) EnsurePlaceholder(ctx context.Context, parentID int64, name, slug string) error {
	now := formatTime(s.now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO targets (parent_id, name, name_key, slug, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
		parentID, name, nameKey(name), slug, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert placeholder: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (enrich.Record, error) {
	var (
		rec          enrich.Record
		payload      string
		lastAnalyzed sql.NullString
		createdAt    string
		updatedAt    string
	)
	if err := row.Scan(
		&rec.ID, &rec.ParentID, &rec.TargetName, &rec.ParentName, &rec.Slug, &payload,
		&rec.ConfidenceScore, &lastAnalyzed, &rec.DataSource, &createdAt, &updatedAt,
	); err != nil {
		return enrich.Record{}, err
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return enrich.Record{}, fmt.Errorf("decode payload for %s: %w", rec.Slug, err)
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return enrich.Record{}, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return enrich.Record{}, err
	}
	if lastAnalyzed.Valid && lastAnalyzed.String != "" {
		t, err := parseTime(lastAnalyzed.String)
		if err != nil {
			return enrich.Record{}, err
		}
		rec.LastAnalyzed = &t
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}
