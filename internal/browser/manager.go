// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/config"
)

const (
	sessionInitTimeout  = 30 * time.Second
	shutdownGracePeriod = 15 * time.Second
)

// ErrManagerClosed is returned by NewSession after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

// Manager owns the browser process (or the remote CDP connection) and hands
// out isolated sessions. The browser is started lazily on the first session and
// restarted on a later one if it failed to start or has since gone away.
type Manager struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	// initMu guards the browser fields below.
	initMu        sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
	shutdown bool
}

// NewManager creates a browser manager. No browser is started yet.
func NewManager(cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   logger.Named("browser_manager"),
		sessions: make(map[string]*Session),
	}
	m.logger.Debug("Browser manager created (initialization deferred).")
	return m
}

// browser returns a live browser context, starting the browser when there is
// none and replacing one whose connection was lost.
func (m *Manager) browser() (context.Context, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	if m.browserCtx != nil {
		if m.browserCtx.Err() == nil {
			return m.browserCtx, nil
		}
		m.logger.Warn("Browser connection lost, restarting.", zap.Error(m.browserCtx.Err()))
		m.release()
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if m.cfg.RemoteURL != "" {
		m.logger.Info("Connecting to remote browser.", zap.String("url", m.cfg.RemoteURL))
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), m.cfg.RemoteURL)
	} else {
		m.logger.Info("Launching local browser.", zap.Bool("headless", m.cfg.Headless))
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), DefaultAllocatorOptions(m.cfg)...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(m.logger.Sugar().Debugf),
		chromedp.WithErrorf(m.logger.Sugar().Debugf),
	)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	m.allocCancel, m.browserCtx, m.browserCancel = allocCancel, browserCtx, browserCancel
	m.logger.Info("Browser ready.")
	return browserCtx, nil
}

// release drops the current browser. initMu must be held.
func (m *Manager) release() {
	if m.browserCtx == nil {
		return
	}
	m.browserCancel()
	m.allocCancel()
	m.browserCtx, m.browserCancel, m.allocCancel = nil, nil, nil
}

// NewSession opens a tab inside a fresh incognito browser context.
func (m *Manager) NewSession(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.wg.Add(1)
	m.mu.Unlock()

	browserCtx, err := m.browser()
	if err != nil {
		m.wg.Done()
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())
	var s *Session
	s = newSession(tabCtx, tabCancel, m.cfg, m.logger, func() {
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
		m.wg.Done()
	})

	initCtx, cancel := context.WithTimeout(ctx, sessionInitTimeout)
	defer cancel()
	if err := s.initialize(initCtx); err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = s.Close(closeCtx)
		return nil, fmt.Errorf("failed to initialize session: %w", err)
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()
	m.logger.Debug("New session created.", zap.String("session_id", s.ID()))
	return s, nil
}

// ActiveSessions returns the number of open sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every open session and then the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager.", zap.Int("open_sessions", len(open)))
	for _, s := range open {
		go func(s *Session) {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Error closing session during shutdown.", zap.String("session_id", s.ID()), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for sessions to close.", zap.Error(ctx.Err()))
	}

	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.browserCtx == nil {
		return nil
	}
	if m.browserCtx.Err() != nil {
		m.release()
		return nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	errCh := make(chan error, 1)
	browserCtx := m.browserCtx
	go func() { errCh <- chromedp.Cancel(browserCtx) }()

	var err error
	select {
	case err = <-errCh:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	case <-closeCtx.Done():
		err = fmt.Errorf("browser did not exit in %s", shutdownGracePeriod)
	}
	m.release()
	m.logger.Info("Browser manager shutdown complete.")
	return err
}
