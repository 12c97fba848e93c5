// Package db owns the Postgres pool behind the relational capture journal.
// Nothing on the token path touches it; only the postgres capture backend
// and its schema init hook do.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/praxisworks/meshflow/common/config"
	"github.com/praxisworks/meshflow/common/logger"
)

// DB is the shared connection pool. pgxpool methods are promoted; the
// capture backend uses Exec and Query directly.
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New connects the pool and verifies it with a bounded ping.
func New(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	pc, err := pgxpool.ParseConfig(dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pc.MaxConns = int32(cfg.MaxConns)
	pc.MinConns = int32(cfg.MinConns)
	pc.MaxConnLifetime = cfg.MaxLifetime
	pc.MaxConnIdleTime = cfg.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	log.Info("journal database connected",
		"host", cfg.Host,
		"database", cfg.Database,
		"max_conns", cfg.MaxConns,
	)
	return &DB{Pool: pool, log: log}, nil
}

func dsn(cfg config.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
}

// Close drains the pool.
func (db *DB) Close() {
	db.log.Info("closing journal database pool")
	db.Pool.Close()
}

// Health pings with a short deadline.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}
