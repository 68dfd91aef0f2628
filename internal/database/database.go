// Package database opens the PostgreSQL pool behind the notification store
// and owns its schema.
package database

import (
	"context"
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config describes how to reach the database. URL, when set, wins over the
// discrete connection fields.
type Config struct {
	URL string

	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	// ApplicationName shows up in pg_stat_activity.
	ApplicationName string
	// MigrateOnStart applies Schema after connecting.
	MigrateOnStart bool
}

// ConfigFromEnv reads DATABASE_URL or the DB_* variables.
func ConfigFromEnv() Config {
	return Config{
		URL:             os.Getenv("DATABASE_URL"),
		Host:            env("DB_HOST", "localhost"),
		Port:            envInt("DB_PORT", 5432),
		User:            env("DB_USER", "searchlight"),
		Password:        env("DB_PASSWORD", "localdev"),
		Database:        env("DB_NAME", "searchlight"),
		SSLMode:         env("DB_SSL_MODE", "disable"),
		MaxConns:        int32(envInt("DB_MAX_OPEN_CONNS", 20)), //nolint:gosec // small operator-supplied value
		MinConns:        int32(envInt("DB_MAX_IDLE_CONNS", 5)),  //nolint:gosec // small operator-supplied value
		ConnMaxLifetime: envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		ApplicationName: env("DB_APPLICATION_NAME", "searchlight"),
		MigrateOnStart:  env("DB_MIGRATE", "false") == "true",
	}
}

// ConnectionString returns the DSN the pool is opened with. Credentials are
// escaped.
func (c Config) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Connect opens and pings a pool, then applies the schema when asked to.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MinConns = min(cfg.MinConns, poolConfig.MaxConns)
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	err = pool.Ping(ctx)
	if err == nil && cfg.MigrateOnStart {
		err = EnsureSchema(ctx, pool)
	}
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("prepare database: %w", err)
	}
	return pool, nil
}

//go:embed schema.sql
var schema string

// Schema returns the DDL of every table the repositories use.
func Schema() string {
	return schema
}

// EnsureSchema creates missing tables and indexes. It is idempotent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}
