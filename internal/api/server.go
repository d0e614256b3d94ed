// internal/api/server.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/automation"
	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/mailrelay"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// shutdownTimeout bounds how long in-flight requests get to finish on shutdown.
const shutdownTimeout = 30 * time.Second

// Provisioner runs paid signups and free OTP lookups. *service.Provisioner implements it.
type Provisioner interface {
	Provision(ctx context.Context, userID string, req automation.Request) (*automation.Result, error)
	RequestOTP(ctx context.Context, email string) (*mailrelay.OTP, error)
}

// ScreenshotSource serves stored screenshots by file name. *screenshots.FileStore implements it.
type ScreenshotSource interface {
	Open(name string) (afero.File, string, error)
}

// Server is the HTTP surface of the provisioner.
type Server struct {
	addr        string
	secret      []byte
	timeout     time.Duration
	provisioner Provisioner
	shots       ScreenshotSource
	limiter     *rateLimiter
	logger      *zap.Logger
	now         func() time.Time
}

// NewServer wires the HTTP API. The per-request timeout is derived from the
// automation deadline so a full run always fits.
func NewServer(cfg config.Interface, p Provisioner, shots ScreenshotSource, logger *zap.Logger) (*Server, error) {
	srv := cfg.Server()
	if srv.JWTSecret == "" {
		return nil, errors.New("server.jwt_secret is not configured (hint: set PROVISIONER_JWT_SECRET)")
	}
	logger = logger.Named("api")
	return &Server{
		addr:        srv.ListenAddr,
		secret:      []byte(srv.JWTSecret),
		timeout:     cfg.Automation().Deadline + time.Minute,
		provisioner: p,
		shots:       shots,
		limiter:     newRateLimiter(srv.RateLimit, srv.RateBurst, logger),
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", s.handleHealthCheck)
	r.Get("/api/screenshots/{filename}", s.handleScreenshot)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(s.limiter.handler)
		r.Post("/api/automation/kombai", s.handleAutomation)
		r.Post("/api/otp/request", s.handleOTP)
	})
	return r
}

// Start serves until ctx is canceled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.timeout + 10*time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting.", zap.String("address", s.addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Received shutdown signal, shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
