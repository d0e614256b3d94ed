// File: cmd/otp.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/mailrelay"
	"github.com/xkilldash9x/provisioner/internal/observability"
)

type otpOutput struct {
	Email    string  `json:"email"`
	OTPCode  *string `json:"otpCode"`
	FullText string  `json:"fullText"`
}

func newOTPCmd(st *rootState) *cobra.Command {
	var email string
	otpCmd := &cobra.Command{
		Use:   "otp",
		Short: "Fetches the latest one-time code for an address from the mail relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOTP(cmd.Context(), cmd.OutOrStdout(), st.cfg, email)
		},
	}
	otpCmd.Flags().StringVar(&email, "email", "", "Address to look up")
	_ = otpCmd.MarkFlagRequired("email")
	return otpCmd
}

// runOTP makes a single relay lookup. A mail without a code is reported, not treated as an error.
func runOTP(ctx context.Context, out io.Writer, cfg config.Interface, email string) error {
	client := mailrelay.NewClient(cfg.MailRelay(), observability.GetLogger())
	otp, err := client.FetchOTP(ctx, email)
	if err != nil && !errors.Is(err, mailrelay.ErrNoOTP) {
		return fmt.Errorf("OTP lookup failed: %w", err)
	}

	res := otpOutput{Email: email}
	if otp != nil {
		res.FullText = otp.FullText
		if otp.Code != "" {
			code := otp.Code
			res.OTPCode = &code
		}
	}
	return printJSON(out, res)
}
