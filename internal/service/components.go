// File: internal/service/components.go
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/automation"
	"github.com/xkilldash9x/provisioner/internal/ledger"
	"github.com/xkilldash9x/provisioner/internal/mailrelay"
	"github.com/xkilldash9x/provisioner/internal/observability"
	"github.com/xkilldash9x/provisioner/internal/screenshots"
	"github.com/xkilldash9x/provisioner/internal/tokenstore"
)

// BrowserManager is the lifecycle half of *browser.Manager that Components owns.
type BrowserManager interface {
	Shutdown(ctx context.Context) error
}

// Pool is the lifecycle half of *pgxpool.Pool that Components owns.
type Pool interface {
	Close()
}

// Components holds every initialized service a command needs and owns their teardown.
type Components struct {
	BrowserManager BrowserManager
	MailRelay      *mailrelay.Client
	Screenshots    *screenshots.FileStore
	Ledger         ledger.Ledger
	Tokens         tokenstore.Store
	Engine         *automation.Engine
	Provisioner    *Provisioner
	DBPool         Pool
}

// Shutdown releases resources in reverse dependency order: browsers first, then the database.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	if c.BrowserManager != nil {
		// A separate context so browsers close even when the caller's context is already canceled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := c.BrowserManager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
	}

	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}

	logger.Info("All components shut down.")
}
