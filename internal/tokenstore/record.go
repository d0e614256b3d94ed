// internal/tokenstore/record.go
package tokenstore

import (
	"context"
	"time"
)

const (
	// DefaultName and DefaultCategory label every token minted by the signup automation.
	DefaultName     = "Kombai Trial"
	DefaultCategory = "kombai"
)

// Record is a provisioned credential handed over to a customer.
type Record struct {
	Name       string
	Category   string
	Token      string // the auth callback URI
	Email      string
	Password   string
	ExpiryDays int
	Value      int
	CustomerID string
	IssuedAt   time.Time
}

// Store persists records.
type Store interface {
	Save(ctx context.Context, rec Record) (id string, err error)
}

// NewRecord builds the record for a successful signup.
func NewRecord(customerID, callback, email, password string, expiryDays int, now time.Time) Record {
	return Record{
		Name:       DefaultName,
		Category:   DefaultCategory,
		Token:      callback,
		Email:      email,
		Password:   password,
		ExpiryDays: expiryDays,
		Value:      1,
		CustomerID: customerID,
		IssuedAt:   now,
	}
}
