package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/ledger"
	"github.com/xkilldash9x/provisioner/internal/tokenstore"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL backing for the credit ledger and the token inventory.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var (
	_ ledger.Ledger    = (*Store)(nil)
	_ tokenstore.Store = (*Store)(nil)
)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const (
	sqlSchema = `
        CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            credits INTEGER NOT NULL DEFAULT 0 CHECK (credits >= 0)
        );
        CREATE TABLE IF NOT EXISTS tokens (
            id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
            name TEXT NOT NULL,
            category TEXT NOT NULL,
            token TEXT NOT NULL,
            email TEXT NOT NULL,
            password TEXT NOT NULL,
            expiry_days INTEGER NOT NULL,
            value INTEGER NOT NULL,
            is_taken BOOLEAN NOT NULL DEFAULT TRUE,
            customer_id TEXT NOT NULL REFERENCES users(id),
            purchase_date TIMESTAMPTZ NOT NULL
        );
    `

	// The WHERE clause makes the decrement conditional, so two concurrent
	// debits can never overdraw a balance.
	sqlDebit = `
        UPDATE users SET credits = credits - $2
        WHERE id = $1 AND credits >= $2
        RETURNING credits;
    `
	sqlUserExists = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1);`
	sqlRefund     = `UPDATE users SET credits = credits + $2 WHERE id = $1;`

	sqlInsertToken = `
        INSERT INTO tokens (name, category, token, email, password, expiry_days, value, is_taken, customer_id, purchase_date)
        VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9)
        RETURNING id;
    `
)

// Migrate creates the tables this service writes to when they are missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Debit takes amount credits from userID in a single conditional update.
func (s *Store) Debit(ctx context.Context, userID string, amount int) (int, error) {
	if amount < 1 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	var remaining int
	err = tx.QueryRow(ctx, sqlDebit, userID, amount).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the user is unknown or the balance is too low; tell them apart.
		var exists bool
		if err := tx.QueryRow(ctx, sqlUserExists, userID).Scan(&exists); err != nil {
			return 0, fmt.Errorf("failed to look up user: %w", err)
		}
		if !exists {
			return 0, ledger.ErrUserNotFound
		}
		return 0, ledger.ErrInsufficientFunds
	}
	if err != nil {
		return 0, fmt.Errorf("failed to debit credits: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Info("Credits debited.", zap.String("user_id", userID), zap.Int("amount", amount), zap.Int("remaining", remaining))
	return remaining, nil
}

// Refund returns amount credits to userID.
func (s *Store) Refund(ctx context.Context, userID string, amount int) error {
	tag, err := s.pool.Exec(ctx, sqlRefund, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to refund credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrUserNotFound
	}
	s.log.Info("Credits refunded.", zap.String("user_id", userID), zap.Int("amount", amount))
	return nil
}

// Save inserts a provisioned token and returns its ID.
func (s *Store) Save(ctx context.Context, rec tokenstore.Record) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, sqlInsertToken,
		rec.Name, rec.Category, rec.Token, rec.Email, rec.Password,
		rec.ExpiryDays, rec.Value, rec.CustomerID, rec.IssuedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert token: %w", err)
	}
	return id, nil
}
