package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shpitdev/property-enrichment/internal/enrich"
)

// Store is the external keyed store behind the gateway.
//
// Implementations must make UpsertTarget idempotent on (parentID, record.TargetName)
// with overwrite-on-conflict, and return the persisted row including generated fields.
type Store interface {
	// GetBySlug returns enrich.ErrNotFound when no row exists.
	GetBySlug(ctx context.Context, slug string) (enrich.Record, error)
	// FindOrCreateParent resolves a parent by case-insensitive name, creating it if missing.
	FindOrCreateParent(ctx context.Context, name string) (int64, error)
	UpsertTarget(ctx context.Context, parentID int64, rec enrich.Record) (enrich.Record, error)
	// EnsurePlaceholder inserts an unanalyzed row unless one already exists.
	EnsurePlaceholder(ctx context.Context, parentID int64, name, slug string) error
	Ping(ctx context.Context) error
}

// Gateway is a cache-first view over a Store.
type Gateway struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewGateway(store Store, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Lookup returns the analyzed record for t. Missing rows, placeholder rows
// without a LastAnalyzed timestamp and rows stored under another natural key
// all report ok=false with a nil error.
func (g *Gateway) Lookup(ctx context.Context, t enrich.Target) (enrich.Record, bool, error) {
	t = t.Clean()
	if err := t.Validate(); err != nil {
		return enrich.Record{}, false, err
	}
	slug := t.Slug()
	rec, err := g.store.GetBySlug(ctx, slug)
	if errors.Is(err, enrich.ErrNotFound) {
		g.logger.Debug("cache miss", "slug", slug)
		return enrich.Record{}, false, nil
	}
	if err != nil {
		return enrich.Record{}, false, enrich.Persistence("lookup "+slug, err)
	}
	if !t.Matches(rec.TargetName, rec.ParentName) {
		g.logger.Warn("cache slug held by another target", "slug", slug, "id", rec.ID,
			"want", t.ID(), "got", rec.TargetName+"|"+rec.ParentName)
		return enrich.Record{}, false, nil
	}
	if !rec.Analyzed() {
		g.logger.Debug("cache placeholder", "slug", slug, "id", rec.ID)
		return enrich.Record{}, false, nil
	}
	g.logger.Debug("cache hit", "slug", slug, "id", rec.ID)
	return rec, true, nil
}

// Upsert writes rec for t, creating t's parent first if needed.
//
// Parent resolution is not transactional with the write: two first-time
// writers for the same new parent can race and create duplicate parents.
func (g *Gateway) Upsert(ctx context.Context, t enrich.Target, rec enrich.Record) (enrich.Record, error) {
	t = t.Clean()
	if err := t.Validate(); err != nil {
		return enrich.Record{}, err
	}
	parentID, err := g.store.FindOrCreateParent(ctx, t.Parent)
	if err != nil {
		return enrich.Record{}, enrich.Persistence("resolve parent "+t.Parent, err)
	}

	rec.ParentID = parentID
	rec.TargetName = t.Name
	rec.ParentName = t.Parent
	rec.Slug = t.Slug()
	if rec.LastAnalyzed == nil {
		now := g.now().UTC()
		rec.LastAnalyzed = &now
	}
	if rec.Payload == nil {
		rec.Payload = map[string]any{}
	}

	out, err := g.store.UpsertTarget(ctx, parentID, rec)
	if err != nil {
		return enrich.Record{}, enrich.Persistence("upsert "+rec.Slug, err)
	}
	g.logger.Debug("cache upsert", "slug", out.Slug, "id", out.ID, "parent_id", parentID)
	return out, nil
}

// Seed registers t as a placeholder so it shows up in listings before it is
// ever analyzed. Existing rows are left untouched.
func (g *Gateway) Seed(ctx context.Context, t enrich.Target) error {
	t = t.Clean()
	if err := t.Validate(); err != nil {
		return err
	}
	parentID, err := g.store.FindOrCreateParent(ctx, t.Parent)
	if err != nil {
		return enrich.Persistence("resolve parent "+t.Parent, err)
	}
	if err := g.store.EnsurePlaceholder(ctx, parentID, t.Name, t.Slug()); err != nil {
		return enrich.Persistence("seed "+t.Slug(), err)
	}
	return nil
}

// Ping checks the backing store.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}
