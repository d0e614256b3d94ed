// File: cmd/signup.go
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/automation"
	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/observability"
	"github.com/xkilldash9x/provisioner/internal/service"
)

func newSignupCmd(st *rootState) *cobra.Command {
	var (
		req     automation.Request
		ide     string
		userID  string
		credits int
	)

	signupCmd := &cobra.Command{
		Use:   "signup",
		Short: "Runs one Kombai signup and prints the result as JSON",
		Long: `Runs the full signup pipeline once: fills the signup form, waits for the
confirmation mail, replays the confirmation link and extracts the auth code.

Without a configured database the run is billed against a temporary in-memory
ledger holding --credits for --user.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.IDE = automation.IDE(ide)
			factory := newComponentFactory(service.WithSeedBalances(map[string]int{userID: credits}))
			return runSignup(cmd.Context(), cmd.OutOrStdout(), st.cfg, factory, userID, req)
		},
	}

	signupCmd.Flags().StringVar(&req.Email, "email", "", "Address to register; its mail must reach the relay")
	signupCmd.Flags().StringVar(&req.Password, "password", "", "Password for the new account")
	signupCmd.Flags().StringVar(&ide, "ide", string(automation.IDECursor), "IDE the auth callback targets (cursor|vscode, or A|B)")
	signupCmd.Flags().StringVar(&req.SignupURL, "signup-url", "", "Override the configured signup URL")
	signupCmd.Flags().StringVar(&userID, "user", "cli", "Ledger account billed for the run")
	signupCmd.Flags().IntVar(&credits, "credits", 1, "Starting balance of --user in the in-memory ledger")
	signupCmd.Flags().Bool("headless", true, "Run the browser headless (overrides config)")
	signupCmd.Flags().String("remote-url", "", "Attach to a running browser over CDP (overrides config)")
	_ = signupCmd.MarkFlagRequired("email")
	_ = signupCmd.MarkFlagRequired("password")

	// Flags only override config when set explicitly.
	_ = st.v.BindPFlag("browser.headless", signupCmd.Flags().Lookup("headless"))
	_ = st.v.BindPFlag("browser.remote_url", signupCmd.Flags().Lookup("remote-url"))

	return signupCmd
}

// runSignup provisions one account and prints the result. A failed run or a
// rejected request still prints its result before the error is returned.
func runSignup(ctx context.Context, out io.Writer, cfg config.Interface, factory service.ComponentFactory, userID string, req automation.Request) error {
	logger := observability.GetLogger()

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	res, err := components.Provisioner.Provision(ctx, userID, req)
	if res != nil {
		if perr := printJSON(out, res); perr != nil && err == nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if !res.Success {
		logger.Warn("Signup failed.", zap.String("stage", string(res.Stage)), zap.String("error_code", string(res.ErrorCode)))
		return fmt.Errorf("signup failed at stage %s: %s", res.Stage, res.Error)
	}
	return nil
}
