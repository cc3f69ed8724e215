// Package postgres builds the pgx connection pool used by the study store
// and instruments every query with otel spans, logs and metrics.
package postgres

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the pool settings.
type Config struct {
	MaxConns       int
	ConnectTimeout time.Duration
	SlowQuery      time.Duration
	LogArgs        bool
}

// RegisterFlags registers pool flags on fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.MaxConns, "db-max-conns", 10, "Maximum open connections in the postgres pool")
	fs.DurationVar(&c.ConnectTimeout, "db-connect-timeout", 10*time.Second, "Timeout for the initial postgres ping")
	fs.DurationVar(&c.SlowQuery, "db-slow-query", 0, "Only log successful queries slower than this (0 logs all)")
	fs.BoolVar(&c.LogArgs, "db-log-args", false, "Include bind arguments in query logs (contains patient identifiers)")
}

// Validate checks pool settings.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxConns < 1 {
		errs = append(errs, fmt.Errorf("db-max-conns must be at least 1, got %d", c.MaxConns))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, fmt.Errorf("db-connect-timeout must be positive"))
	}
	if c.SlowQuery < 0 {
		errs = append(errs, fmt.Errorf("db-slow-query must not be negative"))
	}
	return errors.Join(errs...)
}

// NewPool parses databaseURL, installs the query tracer and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, c Config, obs QueryObserver) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = int32(c.MaxConns) //nolint:gosec // bounded by Validate
	}
	pc.ConnConfig.Tracer = NewQueryTracer(otelpgx.NewTracer(), TracerOptions{
		Observer:  obs,
		SlowQuery: c.SlowQuery,
		LogArgs:   c.LogArgs,
	})

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
