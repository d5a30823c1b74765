// Package app wires stores, the resume bus and the orchestrator into the
// commands the enricher binary runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shpitdev/property-enrichment/internal/api"
	"github.com/shpitdev/property-enrichment/internal/bulk"
	"github.com/shpitdev/property-enrichment/internal/cache"
	"github.com/shpitdev/property-enrichment/internal/cooldown"
	"github.com/shpitdev/property-enrichment/internal/enrich"
	"github.com/shpitdev/property-enrichment/internal/pipeline"
	"github.com/shpitdev/property-enrichment/internal/query"
	"github.com/shpitdev/property-enrichment/internal/store/memory"
	"github.com/shpitdev/property-enrichment/internal/store/postgres"
	"github.com/shpitdev/property-enrichment/internal/store/sqlite"
)

// App holds the long-lived components built from Config.
type App struct {
	Config       Config
	Logger       *slog.Logger
	Gateway      *cache.Gateway
	Classifier   *query.Classifier
	Orchestrator *bulk.Orchestrator
	// Bus is nil unless RedisAddr is set.
	Bus *cooldown.RedisBus

	closers []func() error
}

// Open builds the App. The enricher may be nil for commands that never call
// out (seed, resume).
func Open(ctx context.Context, cfg Config, enricher enrich.Enricher, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	classifier, err := loadClassifier(cfg.QueryTables)
	if err != nil {
		return nil, err
	}
	a.Classifier = classifier

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Gateway = cache.NewGateway(store, logger)

	coord := cooldown.New(logger)
	if cfg.RedisAddr != "" {
		bus, err := cooldown.NewRedisBus(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, orDefault(cfg.RedisNamespace, "default"), coord, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Bus = bus
		a.closers = append(a.closers, bus.Close)
	}

	a.Orchestrator = bulk.New(bulk.Config{
		Gateway:    a.Gateway,
		Classifier: classifier,
		Enricher:   enricher,
		Cooldown:   coord,
		Call:       cfg.CallOptions(),
		Logger:     logger,
	})
	return a, nil
}

func loadClassifier(path string) (*query.Classifier, error) {
	if path == "" {
		return query.Default(), nil
	}
	tables, err := query.LoadTables(path)
	if err != nil {
		return nil, fmt.Errorf("load query tables: %w", err)
	}
	return query.New(tables), nil
}

func (a *App) openStore(ctx context.Context) (cache.Store, error) {
	switch a.Config.StoreKind() {
	case "postgres":
		s, err := postgres.Open(ctx, postgres.Config{
			DSN:             a.Config.DatabaseURL,
			MaxConns:        10,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
			DialTimeout:     10 * time.Second,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, a.Config.SQLitePath, a.Logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		a.Logger.Warn("no DATABASE_URL or SQLITE_PATH set; records are kept in memory only")
		return memory.New(), nil
	}
}

// Close releases every opened resource in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Serve runs the HTTP API until ctx ends, then drains in-flight requests.
func (a *App) Serve(ctx context.Context) error {
	var fwd api.Forwarder
	if a.Bus != nil {
		if err := a.Bus.Start(ctx); err != nil {
			return err
		}
		fwd = a.Bus
	}
	srv, err := api.New(api.Config{
		Orchestrator:   a.Orchestrator,
		Gateway:        a.Gateway,
		Classifier:     a.Classifier,
		Forwarder:      fwd,
		DefaultMaxWait: a.Config.CooldownMaxWait,
		MaxWaitCap:     a.Config.CooldownMaxCap,
		Logger:         a.Logger,
	})
	if err != nil {
		return err
	}

	hs := &http.Server{
		Addr:              a.Config.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http listening", "addr", a.Config.ListenAddr, "store", a.Config.StoreKind())
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Logger.Info("http shutting down")
	return hs.Shutdown(shutdownCtx)
}

// RunLocal reads work items from a local CSV, runs them as one batch and
// writes a results CSV. Cooldown request ids are printed to progress so an
// operator can resume them from another shell.
func (a *App) RunLocal(ctx context.Context, inputPath, outputPath string, progress io.Writer) error {
	if a.Bus != nil {
		if err := a.Bus.Start(ctx); err != nil {
			return err
		}
	}

	inF, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = inF.Close()
	}()

	items, err := pipeline.ReadItemsCSV(inF)
	if err != nil {
		return err
	}

	results, runErr := a.Orchestrator.RunBatch(ctx, items, a.Config.CooldownMaxWait, progressObserver{w: progress})
	if results == nil {
		return runErr
	}

	outF, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = outF.Close()
	}()

	if err := pipeline.WriteCSV(outF, pipeline.FromResults(results)); err != nil {
		return err
	}
	if err := outF.Close(); err != nil {
		return err
	}
	return runErr
}

// SeedLocal registers every target in a CSV as an unanalyzed placeholder.
func (a *App) SeedLocal(ctx context.Context, inputPath string) (int, error) {
	inF, err := os.Open(inputPath)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = inF.Close()
	}()

	items, err := pipeline.ReadItemsCSV(inF)
	if err != nil {
		return 0, err
	}
	targets, err := bulk.ValidateItems(items)
	if err != nil {
		return 0, err
	}
	for i, t := range targets {
		if err := a.Gateway.Seed(ctx, t); err != nil {
			return i, err
		}
	}
	a.Logger.Info("seeded targets", "count", len(targets))
	return len(targets), nil
}

// Resume applies a resume signal over the bus for a wait held by another process.
func (a *App) Resume(ctx context.Context, requestID string) (int64, error) {
	if a.Bus == nil {
		return 0, fmt.Errorf("REDIS_ADDR is required to resume a wait held by another process")
	}
	return a.Bus.Publish(ctx, requestID)
}

type progressObserver struct {
	w io.Writer
}

func (p progressObserver) CooldownStarted(requestID string, wait time.Duration, next string) {
	if p.w == nil {
		return
	}
	_, _ = fmt.Fprintf(p.w, "cooldown %s: waiting up to %s before %s (resume with: enricher resume --request-id %s)\n",
		requestID, wait, next, requestID)
}

func (p progressObserver) CooldownEnded(requestID string, outcome cooldown.Outcome) {
	if p.w == nil {
		return
	}
	_, _ = fmt.Fprintf(p.w, "cooldown %s: %s\n", requestID, outcome)
}

func (p progressObserver) ItemDone(index int, res bulk.Result) {
	if p.w == nil {
		return
	}
	line := fmt.Sprintf("[%d] %s %s", index+1, res.TargetID, res.Status)
	if res.Error != nil {
		line += fmt.Sprintf(" (%s: %s)", res.Error.Kind, res.Error.Message)
	}
	_, _ = fmt.Fprintln(p.w, line)
}
