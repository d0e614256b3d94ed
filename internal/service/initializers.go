// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/ledger"
	"github.com/xkilldash9x/provisioner/internal/store"
	"github.com/xkilldash9x/provisioner/internal/tokenstore"
)

// Persistence is the ledger and token store a command runs against.
type Persistence struct {
	Ledger ledger.Ledger
	Tokens tokenstore.Store
	// Pool is nil for the in-memory ledger.
	Pool *pgxpool.Pool
}

// InitializePersistence connects to PostgreSQL when a database URL is configured and
// otherwise falls back to an in-memory ledger seeded with the given balances.
func InitializePersistence(ctx context.Context, cfg config.DatabaseConfig, seed map[string]int, logger *zap.Logger) (*Persistence, error) {
	if cfg.URL == "" {
		logger.Warn("No database configured; using a temporary in-memory ledger. Balances are lost on exit and tokens are not persisted.")
		return &Persistence{Ledger: ledger.NewMemory(seed)}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse PGX pool config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create PGX connection pool: %w", err)
	}

	db, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("PostgreSQL ledger initialized.", zap.String("host", poolConfig.ConnConfig.Host))
	return &Persistence{Ledger: db, Tokens: db, Pool: pool}, nil
}
