package app

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/shpitdev/property-enrichment/internal/enrich/worker"
)

// Config is the runtime configuration shared by every CLI command.
type Config struct {
	// DatabaseURL selects the Postgres store. When empty, SQLitePath selects
	// the SQLite store, and with both empty records live in memory.
	DatabaseURL string
	SQLitePath  string

	// RedisAddr enables the cross-instance resume bus.
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisNamespace string

	// QueryTables points at a YAML file replacing the built-in classifier tables.
	QueryTables string

	CooldownMaxWait time.Duration
	CooldownMaxCap  time.Duration

	MaxRetries     int
	RequestTimeout time.Duration
	RateLimitRPS   float64

	ListenAddr string

	LogLevel  string
	LogFormat string
}

// StoreKind names the backing store Config selects.
func (c Config) StoreKind() string {
	switch {
	case strings.TrimSpace(c.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(c.SQLitePath) != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// CallOptions builds the per-call retry policy. The limiter is shared by
// every batch using the returned options.
func (c Config) CallOptions() worker.Options {
	return worker.Options{
		MaxRetries:        c.MaxRetries,
		RequestTimeout:    c.RequestTimeout,
		Limiter:           worker.NewLimiter(c.RateLimitRPS),
		BackoffInitial:    500 * time.Millisecond,
		BackoffMax:        8 * time.Second,
		BackoffJitterFrac: 0.2,
	}
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(orDefault(c.LogLevel, "info")))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL=%q: %w", c.LogLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(orDefault(c.LogFormat, "text"))) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid LOG_FORMAT=%q: want text or json", c.LogFormat)
	}
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
