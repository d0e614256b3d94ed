// internal/ledger/ledger.go
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInsufficientFunds is returned when a debit would take a balance below zero.
	ErrInsufficientFunds = errors.New("insufficient credits")
	// ErrUserNotFound is returned for an unknown account.
	ErrUserNotFound = errors.New("user not found")
)

// Ledger moves credits in and out of user balances. Debit is atomic: it
// either takes the full amount or nothing.
type Ledger interface {
	// Debit takes amount from userID and returns the remaining balance.
	Debit(ctx context.Context, userID string, amount int) (int, error)
	// Refund gives amount back to userID.
	Refund(ctx context.Context, userID string, amount int) error
}

// Memory is an in-process Ledger used by the CLI and tests.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int
}

var _ Ledger = (*Memory)(nil)

// NewMemory returns a ledger seeded with balances.
func NewMemory(balances map[string]int) *Memory {
	m := &Memory{balances: make(map[string]int, len(balances))}
	for k, v := range balances {
		m.balances[k] = v
	}
	return m
}

func (m *Memory) Debit(ctx context.Context, userID string, amount int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if amount < 1 {
		return 0, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	if bal < amount {
		return bal, ErrInsufficientFunds
	}
	m.balances[userID] = bal - amount
	return bal - amount, nil
}

func (m *Memory) Refund(ctx context.Context, userID string, amount int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.balances[userID]; !ok {
		return ErrUserNotFound
	}
	m.balances[userID] += amount
	return nil
}

// Balance returns the current balance of userID.
func (m *Memory) Balance(userID string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.balances[userID]
	return b, ok
}
