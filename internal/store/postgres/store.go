// Package postgres implements cache.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shpitdev/property-enrichment/internal/enrich"
)

const schema = `
CREATE TABLE IF NOT EXISTS parents (
	id         BIGSERIAL PRIMARY KEY,
	name       TEXT NOT NULL,
	name_key   TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS parents_name_key_idx ON parents (name_key);

CREATE TABLE IF NOT EXISTS targets (
	id               BIGSERIAL PRIMARY KEY,
	parent_id        BIGINT NOT NULL REFERENCES parents (id),
	name             TEXT NOT NULL,
	name_key         TEXT NOT NULL,
	slug             TEXT NOT NULL UNIQUE,
	payload          JSONB NOT NULL DEFAULT '{}'::jsonb,
	confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_analyzed    TIMESTAMPTZ,
	data_source      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS targets_parent_name_key ON targets (parent_id, name_key);
`

const selectTarget = `
SELECT t.id, t.parent_id, t.name, p.name, t.slug, t.payload, t.confidence_score,
       t.last_analyzed, t.data_source, t.created_at, t.updated_at
FROM targets t JOIN parents p ON p.id = t.parent_id
`

// nameKey folds a name for matching. Folding in Go keeps matching independent
// of the database collation (lower() leaves non-ASCII alone under "C").
func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
}

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open creates a pgx pool and applies the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		pc.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "property-enrichment"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	s := &Store{pool: pool, logger: logger}
	if err := s.Migrate(dialCtx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("successfully connected to database")
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.logger.Info("closing database connections")
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) GetBySlug(ctx context.Context, slug string) (enrich.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectTarget+`WHERE t.slug = $1`, slug))
	if errors.Is(err, pgx.ErrNoRows) {
		return enrich.Record{}, enrich.ErrNotFound
	}
	return rec, err
}

func (s *Store) FindOrCreateParent(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	var id int64
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM parents WHERE name_key = $1 ORDER BY id LIMIT 1`, nameKey(name),
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("find parent: %w", err)
	}
	if err := s.pool.QueryRow(ctx, `INSERT INTO parents (name, name_key) VALUES ($1, $2) RETURNING id`, name, nameKey(name)).Scan(&id); err != nil {
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

	var id int64
	err = s.pool.QueryRow(ctx, `
INSERT INTO targets (parent_id, name, name_key, slug, payload, confidence_score, last_analyzed, data_source)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (parent_id, name_key) DO UPDATE SET
	slug             = EXCLUDED.slug,
	payload          = EXCLUDED.payload,
	confidence_score = EXCLUDED.confidence_score,
	last_analyzed    = EXCLUDED.last_analyzed,
	data_source      = EXCLUDED.data_source,
	updated_at       = now()
RETURNING id`,
		parentID, rec.TargetName, nameKey(rec.TargetName), rec.Slug, payload, rec.ConfidenceScore, rec.LastAnalyzed, rec.DataSource,
	).Scan(&id)
	if err != nil {
		return enrich.Record{}, fmt.Errorf("upsert target: %w", err)
	}

	out, err := scanRecord(s.pool.QueryRow(ctx, selectTarget+`WHERE t.id = $1`, id))
	if err != nil {
		return enrich.Record{}, fmt.Errorf("reload target %d: %w", id, err)
	}
	return out, nil
}

func (s *Store) EnsurePlaceholder(ctx context.Context, parentID int64, name, slug string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO targets (parent_id, name, name_key, slug) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		parentID, name, nameKey(name), slug,
	)
	if err != nil {
		return fmt.Errorf("insert placeholder: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (enrich.Record, error) {
	var (
		rec     enrich.Record
		payload []byte
	)
	if err := row.Scan(
		&rec.ID, &rec.ParentID, &rec.TargetName, &rec.ParentName, &rec.Slug, &payload,
		&rec.ConfidenceScore, &rec.LastAnalyzed, &rec.DataSource, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return enrich.Record{}, err
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return enrich.Record{}, fmt.Errorf("decode payload for %s: %w", rec.Slug, err)
	}
	return rec, nil
}
