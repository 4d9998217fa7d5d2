package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool defaults for the arbitration workload. Ruling transactions hold a
// dispute row lock until commit, so the connection cap bounds how deep
// the lock queue on a hot dispute can grow.
const (
	defaultMaxConns    = 16
	defaultConnLife    = 30 * time.Minute
	defaultConnIdle    = 5 * time.Minute
	defaultHealthCheck = time.Minute
)

// NewPool constructs a pgx connection pool for the arbitration store.
// DSN pool parameters win over the defaults above.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	if connString == "" {
		return nil, fmt.Errorf("db: empty connection string")
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("db: parse config: %w", err)
	}

	if !strings.Contains(connString, "pool_max_conns") {
		cfg.MaxConns = defaultMaxConns
	}
	cfg.MaxConnLifetime = defaultConnLife
	cfg.MaxConnIdleTime = defaultConnIdle
	cfg.HealthCheckPeriod = defaultHealthCheck

	return pgxpool.NewWithConfig(ctx, cfg)
}
