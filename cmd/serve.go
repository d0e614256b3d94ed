// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/api"
	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/observability"
	"github.com/xkilldash9x/provisioner/internal/service"
)

func newServeCmd(st *rootState) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serves the automation, OTP and screenshot HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), st.cfg, newComponentFactory())
		},
	}
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	_ = st.v.BindPFlag("server.listen_addr", serveCmd.Flags().Lookup("listen"))
	return serveCmd
}

// runServe blocks until ctx is canceled, then drains requests and releases every component.
func runServe(ctx context.Context, cfg config.Interface, factory service.ComponentFactory) error {
	logger := observability.GetLogger()

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	srv, err := api.NewServer(cfg, components.Provisioner, components.Screenshots, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	logger.Info("Server stopped.", zap.String("address", cfg.Server().ListenAddr))
	return nil
}
