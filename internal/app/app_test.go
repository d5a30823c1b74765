package app_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/shpitdev/property-enrichment/internal/app"
	"github.com/shpitdev/property-enrichment/internal/cooldown"
	"github.com/shpitdev/property-enrichment/internal/enrich"
)

func fakeEnricher() enrich.Enricher {
	return enrich.EnricherFunc(func(_ context.Context, req enrich.Request) (enrich.Record, error) {
		if req.Target.Name == "Broken" {
			return enrich.Record{}, errors.New("forced error api_key=leaky")
		}
		return enrich.Record{
			Payload:         map[string]any{"overview": req.Analysis.OptimizedQuery},
			ConfidenceScore: 0.6,
			DataSource:      "fake",
		}, nil
	})
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestRunLocal_WritesOneRowPerItem(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	in := writeFile(t, dir, "targets.csv", "target_id\nKoramangala|Bangalore\nBroken|Bangalore\nkoramangala|bangalore\n")
	out := filepath.Join(dir, "results.csv")

	a, err := app.Open(ctx, app.Config{CooldownMaxWait: 10 * time.Millisecond}, fakeEnricher(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	var progress bytes.Buffer
	if err := a.RunLocal(ctx, in, out, &progress); err != nil {
		t.Fatalf("run: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(records))
	}
	statuses := []string{records[1][1], records[2][1], records[3][1]}
	if strings.Join(statuses, ",") != "enriched,failed,cached" {
		t.Fatalf("statuses=%v", statuses)
	}
	if strings.Contains(records[2][8], "leaky") {
		t.Fatalf("error message not redacted: %q", records[2][8])
	}
	if !strings.Contains(progress.String(), "cooldown ") || !strings.Contains(progress.String(), "enricher resume --request-id") {
		t.Fatalf("progress missing cooldown hint:\n%s", progress.String())
	}
}

func TestSeedLocal_SQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	in := writeFile(t, dir, "seed.csv", "name,parent\nHebbal,Bangalore\nWhitefield,Bangalore\n")

	a, err := app.Open(ctx, app.Config{SQLitePath: filepath.Join(dir, "cache.db")}, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	n, err := a.SeedLocal(ctx, in)
	if err != nil || n != 2 {
		t.Fatalf("seed: n=%d err=%v", n, err)
	}
	// Placeholders are not cache hits.
	if _, ok, err := a.Gateway.Lookup(ctx, enrich.Target{Name: "Hebbal", Parent: "Bangalore"}); err != nil || ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
}

func TestResume_PublishesToPeer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)

	holder := cooldown.New(nil)
	peer, err := cooldown.NewRedisBus(&redis.Options{Addr: mr.Addr()}, "app-test", holder, nil)
	if err != nil {
		t.Fatalf("peer bus: %v", err)
	}
	if err := peer.Start(ctx); err != nil {
		t.Fatalf("peer start: %v", err)
	}
	defer peer.Close()
	w, err := holder.Begin("batch-7")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	a, err := app.Open(ctx, app.Config{RedisAddr: mr.Addr(), RedisNamespace: "app-test"}, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	n, err := a.Resume(ctx, "batch-7")
	if err != nil || n != 1 {
		t.Fatalf("resume: n=%d err=%v", n, err)
	}
	if out := w.Await(ctx, 5*time.Second); out != cooldown.OutcomeResumed {
		t.Fatalf("outcome=%s", out)
	}
}

func TestResume_RequiresRedis(t *testing.T) {
	t.Parallel()

	a, err := app.Open(context.Background(), app.Config{}, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if _, err := a.Resume(context.Background(), "x"); err == nil {
		t.Fatalf("expected error without REDIS_ADDR")
	}
}

func TestConfig(t *testing.T) {
	t.Parallel()

	kinds := map[string]app.Config{
		"postgres": {DatabaseURL: "postgres://localhost/db", SQLitePath: "x.db"},
		"sqlite":   {SQLitePath: "x.db"},
		"memory":   {},
	}
	for want, cfg := range kinds {
		if got := cfg.StoreKind(); got != want {
			t.Fatalf("StoreKind=%q want %q", got, want)
		}
	}

	if (app.Config{}).CallOptions().Limiter != nil {
		t.Fatalf("limiter should be disabled by default")
	}
	if (app.Config{RateLimitRPS: 2}).CallOptions().Limiter == nil {
		t.Fatalf("limiter should be enabled")
	}

	if _, err := (app.Config{LogLevel: "loud"}).NewLogger(os.Stderr); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := (app.Config{LogFormat: "xml"}).NewLogger(os.Stderr); err == nil {
		t.Fatalf("expected invalid format error")
	}
	var buf bytes.Buffer
	logger, err := (app.Config{LogLevel: "debug", LogFormat: "json"}).NewLogger(&buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("unexpected log output: %q", buf.String())
	}
}

func TestOpen_BadQueryTables(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "tables.yaml", "property: [")
	if _, err := app.Open(context.Background(), app.Config{QueryTables: path}, nil, nil); err == nil {
		t.Fatalf("expected error for invalid tables")
	}
}
