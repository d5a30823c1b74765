package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shpitdev/property-enrichment/internal/app"
	"github.com/shpitdev/property-enrichment/internal/enrich/gemini"
	"github.com/shpitdev/property-enrichment/internal/query"
	"github.com/shpitdev/property-enrichment/internal/util"
	"github.com/shpitdev/property-enrichment/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	var code int
	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
	case "serve":
		code = runServe(ctx, os.Args[2:])
	case "batch":
		code = runBatch(ctx, os.Args[2:])
	case "seed":
		code = runSeed(ctx, os.Args[2:])
	case "resume":
		code = runResume(ctx, os.Args[2:])
	case "analyze":
		code = runAnalyze(os.Args[2:])
	case "version":
		_, _ = fmt.Fprintln(os.Stdout, version.Current)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		code = 2
	}
	stop()
	os.Exit(code)
}

func runServe(ctx context.Context, args []string) int {
	cfg, gemEnv, ok := loadAll(true)
	if !ok {
		return 2
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address (env: LISTEN_ADDR)")
	fs.DurationVar(&cfg.CooldownMaxWait, "cooldown", cfg.CooldownMaxWait, "Default wait between research calls (env: COOLDOWN_MAX_WAIT)")
	fs.DurationVar(&cfg.CooldownMaxCap, "cooldown-cap", cfg.CooldownMaxCap, "Upper bound for a requested wait (env: COOLDOWN_MAX_CAP)")
	bindCallFlags(fs, &cfg, &gemEnv)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, code := openApp(ctx, cfg, gemEnv, true)
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	if err := a.Serve(ctx); err != nil {
		a.Logger.Error("serve failed", "error", util.RedactSecrets(err.Error()))
		return 1
	}
	return 0
}

func runBatch(ctx context.Context, args []string) int {
	cfg, gemEnv, ok := loadAll(true)
	if !ok {
		return 2
	}

	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var inputPath, outputPath string
	fs.StringVar(&inputPath, "input", "", "Input CSV path (a 'target_id' column, or 'name' and 'parent' columns)")
	fs.StringVar(&outputPath, "output", "", "Output CSV path")
	fs.DurationVar(&cfg.CooldownMaxWait, "cooldown", cfg.CooldownMaxWait, "Wait between research calls (env: COOLDOWN_MAX_WAIT)")
	bindCallFlags(fs, &cfg, &gemEnv)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if inputPath == "" || outputPath == "" {
		_, _ = fmt.Fprintln(os.Stderr, "batch requires --input and --output")
		return 2
	}

	a, code := openApp(ctx, cfg, gemEnv, true)
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	if err := a.RunLocal(ctx, inputPath, outputPath, os.Stderr); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "batch run failed: %s\n", util.RedactSecrets(err.Error()))
		return 1
	}
	return 0
}

func runSeed(ctx context.Context, args []string) int {
	cfg, gemEnv, ok := loadAll(false)
	if !ok {
		return 2
	}

	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	inputPath := fs.String("input", "", "CSV of targets to register as placeholders")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *inputPath == "" {
		_, _ = fmt.Fprintln(os.Stderr, "seed requires --input")
		return 2
	}

	a, code := openApp(ctx, cfg, gemEnv, false)
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	n, err := a.SeedLocal(ctx, *inputPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "seed failed after %d targets: %s\n", n, util.RedactSecrets(err.Error()))
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "seeded %d targets\n", n)
	return 0
}

func runResume(ctx context.Context, args []string) int {
	cfg, gemEnv, ok := loadAll(false)
	if !ok {
		return 2
	}

	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	requestID := fs.String("request-id", "", "Request id printed when the wait started")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address (env: REDIS_ADDR)")
	fs.StringVar(&cfg.RedisNamespace, "redis-namespace", cfg.RedisNamespace, "Resume channel namespace (env: REDIS_NAMESPACE)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*requestID) == "" {
		_, _ = fmt.Fprintln(os.Stderr, "resume requires --request-id")
		return 2
	}
	// Resuming never touches the store.
	cfg.DatabaseURL, cfg.SQLitePath = "", ""

	a, code := openApp(ctx, cfg, gemEnv, false)
	if a == nil {
		return code
	}
	defer func() { _ = a.Close() }()

	n, err := a.Resume(ctx, *requestID)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "resume failed: %s\n", util.RedactSecrets(err.Error()))
		return 1
	}
	if n == 0 {
		_, _ = fmt.Fprintf(os.Stdout, "no instance is listening; %s was not resumed\n", *requestID)
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "resume for %s delivered to %d instance(s)\n", *requestID, n)
	return 0
}

func runAnalyze(args []string) int {
	fs := flag.NewFlagSet("analyze", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	tablesPath := fs.String("tables", strings.TrimSpace(os.Getenv("QUERY_TABLES")), "Classifier tables YAML (env: QUERY_TABLES)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	q := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(q) == "" {
		_, _ = fmt.Fprintln(os.Stderr, "analyze requires a query")
		return 2
	}

	c := query.Default()
	if *tablesPath != "" {
		tables, err := query.LoadTables(*tablesPath)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", err)
			return 2
		}
		c = query.New(tables)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(struct {
		Analysis query.Analysis `json:"analysis"`
		Insights query.Insights `json:"insights"`
	}{c.Optimize(q), c.Insights(q)}); err != nil {
		return 1
	}
	return 0
}

func bindCallFlags(fs *flag.FlagSet, cfg *app.Config, gemEnv *gemini.Config) {
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Max retries per target for transient failures (env: MAX_RETRIES)")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-call request timeout (env: REQUEST_TIMEOUT)")
	fs.Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", cfg.RateLimitRPS, "Process-wide research call rate (RPS), 0 disables (env: RATE_LIMIT_RPS)")
	fs.StringVar(&gemEnv.Model, "gemini-model", gemEnv.Model, "Gemini model name (env: GEMINI_MODEL)")
	fs.StringVar(&gemEnv.BaseURL, "gemini-base-url", gemEnv.BaseURL, "Gemini API base URL override (env: GEMINI_BASE_URL)")
	fs.BoolVar(&gemEnv.CaptureAudit, "capture-audit", gemEnv.CaptureAudit, "Store sources/queries in the payload (env: GEMINI_CAPTURE_AUDIT)")
}

func loadAll(needGemini bool) (app.Config, gemini.Config, bool) {
	cfg, err := loadConfigFromEnv()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return app.Config{}, gemini.Config{}, false
	}
	gemEnv, err := loadGeminiConfigFromEnv(needGemini)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", util.RedactSecrets(err.Error()))
		return app.Config{}, gemini.Config{}, false
	}
	return cfg, gemEnv, true
}

func openApp(ctx context.Context, cfg app.Config, gemEnv gemini.Config, needGemini bool) (*app.App, int) {
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", err)
		return nil, 2
	}
	slog.SetDefault(logger)

	var enricher *gemini.Enricher
	if needGemini {
		enricher, err = gemini.New(ctx, gemEnv)
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "gemini config error: %s\n", util.RedactSecrets(err.Error()))
			return nil, 2
		}
	}

	var a *app.App
	if enricher != nil {
		a, err = app.Open(ctx, cfg, enricher, logger)
	} else {
		a, err = app.Open(ctx, cfg, nil, logger)
	}
	if err != nil {
		logger.Error("startup failed", "error", util.RedactSecrets(err.Error()))
		return nil, 1
	}
	return a, 0
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, `enricher: cache-aware real-estate enrichment with resumable cooldowns

Usage:
  enricher <command> [flags]

Commands:
  serve    Run the HTTP API (/bulk/run, /bulk/resume, /enrich/search, /query/analyze, /healthz)
  batch    Enrich a local CSV of targets and write a results CSV (Gemini required)
  seed     Register targets from a CSV as unanalyzed placeholders
  resume   End a pending cooldown held by another process (Redis required)
  analyze  Print the query classification for a free-text query
  version  Print the version

Examples:
  enricher batch --input targets.csv --output results.csv
  enricher resume --request-id 3f2c...
  enricher analyze flats in Koramangala

Environment (store):
  DATABASE_URL   Postgres connection string (preferred when set)
  SQLITE_PATH    SQLite file path (used when DATABASE_URL is empty; memory otherwise)

Environment (cooldown):
  COOLDOWN_MAX_WAIT  Wait between research calls in a batch (default 30s)
  COOLDOWN_MAX_CAP   Upper bound for a wait requested over HTTP (default 5m)
  REDIS_ADDR         Enables cross-instance resume over Redis pub/sub
  REDIS_PASSWORD     Redis password
  REDIS_DB           Redis database number
  REDIS_NAMESPACE    Resume channel namespace (default "default")

Environment (research):
  GEMINI_API_KEY        Gemini API key (required for serve/batch)
  GEMINI_MODEL          Gemini model name (required for serve/batch)
  GEMINI_BASE_URL       Optional base URL override (proxies/testing)
  GEMINI_CAPTURE_AUDIT  If set to true/1, store sources/queries in the payload
  MAX_RETRIES           Retries for transient failures (default 3)
  REQUEST_TIMEOUT       Per-call timeout (default 60s)
  RATE_LIMIT_RPS        Process-wide call rate, 0 disables (default 0)
  QUERY_TABLES          YAML file replacing the built-in classifier tables

Environment (process):
  LISTEN_ADDR  HTTP listen address (default :8080)
  LOG_LEVEL    debug, info, warn or error (default info)
  LOG_FORMAT   text or json (default text)

`)
}

func loadGeminiConfigFromEnv(required bool) (gemini.Config, error) {
	apiKey := strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
	if apiKey == "" && required {
		return gemini.Config{}, fmt.Errorf("GEMINI_API_KEY is required")
	}

	captureAudit, err := envBool("GEMINI_CAPTURE_AUDIT")
	if err != nil {
		return gemini.Config{}, err
	}

	return gemini.Config{
		APIKey:       apiKey,
		Model:        strings.TrimSpace(os.Getenv("GEMINI_MODEL")),
		BaseURL:      strings.TrimSpace(os.Getenv("GEMINI_BASE_URL")),
		CaptureAudit: captureAudit,
	}, nil
}

func loadConfigFromEnv() (app.Config, error) {
	maxRetries, err := envInt("MAX_RETRIES", 3)
	if err != nil {
		return app.Config{}, err
	}
	requestTimeout, err := envDuration("REQUEST_TIMEOUT", 60*time.Second)
	if err != nil {
		return app.Config{}, err
	}
	rateLimitRPS, err := envFloat("RATE_LIMIT_RPS", 0)
	if err != nil {
		return app.Config{}, err
	}
	maxWait, err := envDuration("COOLDOWN_MAX_WAIT", 30*time.Second)
	if err != nil {
		return app.Config{}, err
	}
	maxCap, err := envDuration("COOLDOWN_MAX_CAP", 5*time.Minute)
	if err != nil {
		return app.Config{}, err
	}
	redisDB, err := envInt("REDIS_DB", 0)
	if err != nil {
		return app.Config{}, err
	}

	return app.Config{
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		SQLitePath:      strings.TrimSpace(os.Getenv("SQLITE_PATH")),
		RedisAddr:       strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         redisDB,
		RedisNamespace:  strings.TrimSpace(os.Getenv("REDIS_NAMESPACE")),
		QueryTables:     strings.TrimSpace(os.Getenv("QUERY_TABLES")),
		CooldownMaxWait: maxWait,
		CooldownMaxCap:  maxCap,
		MaxRetries:      maxRetries,
		RequestTimeout:  requestTimeout,
		RateLimitRPS:    rateLimitRPS,
		ListenAddr:      envString("LISTEN_ADDR", ":8080"),
		LogLevel:        os.Getenv("LOG_LEVEL"),
		LogFormat:       os.Getenv("LOG_FORMAT"),
	}, nil
}

func envString(varName, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(varName)); v != "" {
		return v
	}
	return fallback
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envFloat(varName string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return false, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
