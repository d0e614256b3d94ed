// internal/automation/confirmation.go
package automation

import (
	"context"
	"regexp"
	"time"

	"github.com/xkilldash9x/provisioner/internal/browser"
	"github.com/xkilldash9x/provisioner/internal/mailrelay"
	"github.com/xkilldash9x/provisioner/internal/retry"
)

// ExtractConfirmationLink returns the first match of pattern in html.
func ExtractConfirmationLink(html string, pattern *regexp.Regexp) (string, bool) {
	link := pattern.FindString(html)
	return link, link != ""
}

func (e *Engine) fetchEmail(ctx context.Context, run *Run) (*mailrelay.Email, *StageError) {
	run.enter(StageFetchEmail)
	run.logf("Step 5: Fetching email from mail relay (with retry)...")

	mail, err := e.mail.FetchConfirmation(ctx, run.Request.Email, func(attempt int, err error, wait time.Duration) {
		run.logf("   [Attempt %d] Failed: %s", attempt, truncate(err))
		run.logf("   [Attempt %d] Waiting %.1fs before retry...", attempt, wait.Seconds())
	})
	if err != nil {
		return nil, stageErr(StageFetchEmail, ErrCodeNoEmail, "no confirmation email", err)
	}
	run.logf("Email received")
	return mail, nil
}

// confirm extracts the confirmation link from the mail and opens it in the run's page.
func (e *Engine) confirm(ctx context.Context, run *Run, html string) *StageError {
	run.enter(StageConfirm)
	p := e.settings.Timings.Confirm

	run.logf("Step 6: Extracting confirmation link...")
	link, ok := ExtractConfirmationLink(html, e.settings.ConfirmLink)
	if !ok {
		return stageErr(StageConfirm, ErrCodeConfirmLinkMissing, "confirmation link missing", nil)
	}
	run.logf("Link extracted: %s...", prefix(link, 60))

	run.logf("Step 7: Visiting confirmation link...")
	_, err := retry.Do(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		run.logf("   [Attempt %d/%d] Navigating to confirmation link...", attempt, p.MaxAttempts)
		return struct{}{}, e.load(ctx, run, link)
	}, run.retryNotice(p.MaxAttempts))
	if err != nil {
		return stageErr(StageConfirm, ErrCodeConfirmUnreachable, "confirmation link unreachable", err)
	}
	run.logf("Confirmation link visited")
	return nil
}

// settle gives the post-confirmation redirect time to land.
func (e *Engine) settle(ctx context.Context, run *Run) *StageError {
	run.enter(StageSettle)
	t := e.settings.Timings
	run.logf("Step 8: Waiting for redirect...")
	if err := sleep(ctx, t.SettleDelay); err != nil {
		return stageErr(StageSettle, ErrCodeDeadlineExceeded, "automation deadline exceeded", err)
	}
	if !e.settleWaits(ctx, run, t.SettleLoad, browser.LoadStateLoad, browser.LoadStateDOMContentLoaded) {
		run.logf("   Page load timeout, but continuing...")
	}
	run.logf("Page redirected")
	return nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
