// internal/service/provisioner.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/provisioner/internal/automation"
	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/ledger"
	"github.com/xkilldash9x/provisioner/internal/mailrelay"
	"github.com/xkilldash9x/provisioner/internal/tokenstore"
)

// ErrInvalidRequest wraps every validation failure of an automation request.
var ErrInvalidRequest = errors.New("invalid automation request")

// tokenSaveTimeout bounds the hand-off of a successful run, which outlives the request context.
const tokenSaveTimeout = 10 * time.Second

// Runner executes one signup. *automation.Engine implements it.
type Runner interface {
	Run(ctx context.Context, req automation.Request) *automation.Result
}

// OTPFetcher looks up a one-time code. *mailrelay.Client implements it.
type OTPFetcher interface {
	FetchOTP(ctx context.Context, email string) (*mailrelay.OTP, error)
}

// Options configures a Provisioner. Zero values fall back to the defaults.
type Options struct {
	CreditCost   int
	RefundPolicy config.RefundPolicy
	Deadline     time.Duration
	ExpiryDays   int
	// Concurrency bounds how many runs hold a browser session at once.
	Concurrency int
	Now         func() time.Time
}

// OptionsFromConfig reads Options out of the application configuration.
func OptionsFromConfig(cfg config.Interface) Options {
	a := cfg.Automation()
	return Options{
		CreditCost:   a.CreditCost,
		RefundPolicy: a.RefundPolicy,
		Deadline:     a.Deadline,
		ExpiryDays:   a.TokenExpiry,
		Concurrency:  cfg.Browser().Concurrency,
	}
}

// Provisioner brackets a signup run with the credit ledger and the token hand-off.
type Provisioner struct {
	ledger ledger.Ledger
	runner Runner
	otp    OTPFetcher
	tokens tokenstore.Store
	sem    *semaphore.Weighted
	opts   Options
	logger *zap.Logger
}

// NewProvisioner wires a Provisioner. tokens may be nil, in which case successful
// runs are not persisted.
func NewProvisioner(l ledger.Ledger, runner Runner, otp OTPFetcher, tokens tokenstore.Store, opts Options, logger *zap.Logger) *Provisioner {
	if opts.CreditCost < 1 {
		opts.CreditCost = 1
	}
	if opts.RefundPolicy == "" {
		opts.RefundPolicy = config.RefundNever
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 5 * time.Minute
	}
	if opts.ExpiryDays < 1 {
		opts.ExpiryDays = 30
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Provisioner{
		ledger: l,
		runner: runner,
		otp:    otp,
		tokens: tokens,
		sem:    semaphore.NewWeighted(int64(opts.Concurrency)),
		opts:   opts,
		logger: logger.Named("provisioner"),
	}
}

// Provision debits userID and runs one signup. A non-nil error means no run took
// place: the request was invalid, the ledger refused the debit, or ctx ended while
// waiting for a browser slot. The Result is never nil; a rejected request carries
// its single failure line and no screenshots.
func (p *Provisioner) Provision(ctx context.Context, userID string, req automation.Request) (*automation.Result, error) {
	if err := req.Validate(); err != nil {
		return p.reject(req, automation.ErrCodeInvalidRequest, err.Error()), fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	logger := p.logger.With(zap.String("user_id", userID), zap.String("email", req.Email))

	remaining, err := p.ledger.Debit(ctx, userID, p.opts.CreditCost)
	if err != nil {
		code, msg := debitFailure(err)
		return p.reject(req, code, msg), fmt.Errorf("failed to debit credits: %w", err)
	}
	debited := p.line(fmt.Sprintf("Credit deducted. Remaining credits: %d", remaining))

	if err := p.sem.Acquire(ctx, 1); err != nil {
		err = fmt.Errorf("gave up waiting for a browser slot: %w", err)
		logs := []string{debited}
		// Nothing ran, so the credit goes back regardless of policy.
		if rerr := p.refund(userID, logger); rerr != nil {
			err = errors.Join(err, rerr)
		} else {
			logs = append(logs, p.line("Credit refunded"))
		}
		return p.reject(req, automation.ErrCodeBrowserUnavailable, "No browser available, try again later", logs...), err
	}
	runCtx, cancel := context.WithTimeout(ctx, p.opts.Deadline)
	res := p.runner.Run(runCtx, req)
	cancel()
	p.sem.Release(1)

	res.Logs = append([]string{debited}, res.Logs...)

	if !res.Success {
		if p.opts.RefundPolicy == config.RefundOnFailure {
			if err := p.refund(userID, logger); err == nil {
				res.Logs = append(res.Logs, p.line("Credit refunded after failed run"))
			}
		}
		return res, nil
	}

	p.saveToken(ctx, userID, req, res, logger)
	return res, nil
}

// debitFailure maps a ledger error to the code and message a caller reports.
func debitFailure(err error) (automation.ErrorCode, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return automation.ErrCodeInsufficientCredits, "Insufficient credits"
	case errors.Is(err, ledger.ErrUserNotFound):
		return automation.ErrCodeUserNotFound, "User not found"
	default:
		return automation.ErrCodeLedgerError, "Could not debit credits"
	}
}

// reject builds the result of a request that never reached a browser.
func (p *Provisioner) reject(req automation.Request, code automation.ErrorCode, msg string, logs ...string) *automation.Result {
	return &automation.Result{
		Email:       req.Email,
		IDE:         req.IDE,
		Logs:        append(logs, p.line("ERROR: "+msg)),
		Screenshots: []string{},
		Error:       msg,
		ErrorCode:   code,
	}
}

// refund returns the run's credit. It uses a fresh context because it also runs
// after the caller's context is gone.
func (p *Provisioner) refund(userID string, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), tokenSaveTimeout)
	defer cancel()
	if err := p.ledger.Refund(ctx, userID, p.opts.CreditCost); err != nil {
		logger.Error("Failed to refund credit.", zap.Error(err))
		return fmt.Errorf("failed to refund credit: %w", err)
	}
	logger.Info("Credit refunded.", zap.Int("amount", p.opts.CreditCost))
	return nil
}

// saveToken hands a successful run to the token store. Failures are logged and
// never change the result.
func (p *Provisioner) saveToken(ctx context.Context, userID string, req automation.Request, res *automation.Result, logger *zap.Logger) {
	if p.tokens == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenSaveTimeout)
	defer cancel()

	rec := tokenstore.NewRecord(userID, res.AuthLink, req.Email, req.Password, p.opts.ExpiryDays, p.opts.Now())
	id, err := p.tokens.Save(sctx, rec)
	if err != nil {
		logger.Warn("Failed to save token.", zap.Error(err))
		res.Logs = append(res.Logs, p.line("WARNING: could not save token"))
		return
	}
	res.TokenID = id
	res.Logs = append(res.Logs, p.line("Token saved with ID: "+id))
	logger.Info("Token saved.", zap.String("token_id", id))
}

func (p *Provisioner) line(msg string) string {
	return automation.LogLine(p.opts.Now(), msg)
}

// RequestOTP fetches the latest one-time code for email. It does not touch the ledger.
func (p *Provisioner) RequestOTP(ctx context.Context, email string) (*mailrelay.OTP, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidRequest)
	}
	otp, err := p.otp.FetchOTP(ctx, email)
	if err != nil && !errors.Is(err, mailrelay.ErrNoOTP) {
		p.logger.Warn("OTP lookup failed.", zap.String("email", email), zap.Error(err))
	}
	return otp, err
}
