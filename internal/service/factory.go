// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/automation"
	"github.com/xkilldash9x/provisioner/internal/browser"
	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/mailrelay"
	"github.com/xkilldash9x/provisioner/internal/screenshots"
)

// ComponentFactory creates the set of components a command runs with.
// Commands depend on the interface so tests can substitute their own wiring.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// FactoryOption customizes the production factory.
type FactoryOption func(*concreteFactory)

// WithSeedBalances sets the starting balances of the in-memory ledger. It has no
// effect when a database is configured.
func WithSeedBalances(balances map[string]int) FactoryOption {
	return func(f *concreteFactory) { f.seed = balances }
}

// WithFs sets the filesystem screenshots are written to.
func WithFs(fs afero.Fs) FactoryOption {
	return func(f *concreteFactory) { f.fs = fs }
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	seed map[string]int
	fs   afero.Fs
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory(opts ...FactoryOption) ComponentFactory {
	f := &concreteFactory{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create handles the full dependency injection and initialization of the components.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Ledger and token store
	persistence, err := InitializePersistence(ctx, cfg.Database(), f.seed, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize persistence: %w", err)
		return nil, initializationErr
	}
	if persistence.Pool != nil {
		components.DBPool = persistence.Pool
	}
	components.Ledger = persistence.Ledger
	components.Tokens = persistence.Tokens

	// 2. Screenshot store
	shots, err := screenshots.NewFileStore(f.fs, cfg.Screenshots(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize screenshot store: %w", err)
		return nil, initializationErr
	}
	components.Screenshots = shots
	logger.Debug("Screenshot store initialized.")

	// 3. Mail relay
	components.MailRelay = mailrelay.NewClient(cfg.MailRelay(), logger)
	logger.Debug("Mail relay client initialized.", zap.String("url", cfg.MailRelay().URL()))

	// 4. Browser manager. The browser itself starts on the first session.
	manager := browser.NewManager(cfg.Browser(), logger)
	components.BrowserManager = manager

	// 5. Engine
	settings, err := automation.NewSettings(cfg.Kombai(), cfg.Automation())
	if err != nil {
		initializationErr = fmt.Errorf("failed to derive automation settings: %w", err)
		return nil, initializationErr
	}
	components.Engine = automation.NewEngine(automation.ManagerLauncher(manager), components.MailRelay, shots, settings, logger)

	// 6. Provisioner
	components.Provisioner = NewProvisioner(components.Ledger, components.Engine, components.MailRelay,
		components.Tokens, OptionsFromConfig(cfg), logger)

	logger.Info("All components initialized successfully.")
	return components, nil
}
