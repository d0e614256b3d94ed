// internal/automation/stages.go
package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/provisioner/internal/browser"
	"github.com/xkilldash9x/provisioner/internal/retry"
)

const (
	emailSelector    = `input[type="email"]`
	passwordSelector = `input[type="password"]`
)

// logoutTexts are tried, in order, when the signup URL lands on an authenticated page.
var logoutTexts = []string{"Logout", "Log out"}

// openPage acquires the run's isolated browser context.
func (e *Engine) openPage(ctx context.Context, run *Run) *StageError {
	run.enter(StageInit)
	run.logf("Launching browser...")
	page, err := e.launcher.NewPage(ctx)
	if err != nil {
		return stageErr(StageInit, ErrCodeBrowserUnavailable, "could not open browser session", err)
	}
	run.page = page
	if err := page.ClearCookies(ctx); err != nil {
		run.logf("   Could not clear cookies: %s", truncate(err))
	}
	run.logf("   Using fresh browser context (no cookies/cache/sessions)")
	return nil
}

// load navigates to url and waits for the DOM. A network that never goes idle is tolerated.
func (e *Engine) load(ctx context.Context, run *Run, url string) error {
	t := e.settings.Timings
	if err := run.page.Navigate(ctx, url); err != nil {
		return err
	}
	if err := run.page.WaitLoadState(ctx, browser.LoadStateDOMContentLoaded, t.PageLoad); err != nil {
		return fmt.Errorf("DOM not ready: %w", err)
	}
	if err := run.page.WaitLoadState(ctx, browser.LoadStateNetworkIdle, t.PageLoad); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		run.logf("   networkidle timeout, continuing anyway...")
	}
	return nil
}

// settleWaits waits up to timeout for each state in turn. It reports whether
// all of them were reached; a timeout is never fatal.
func (e *Engine) settleWaits(ctx context.Context, run *Run, timeout time.Duration, states ...browser.LoadState) bool {
	ok := true
	for _, st := range states {
		if err := run.page.WaitLoadState(ctx, st, timeout); err != nil {
			ok = false
		}
	}
	return ok
}

func (e *Engine) navigate(ctx context.Context, run *Run, target string) *StageError {
	run.enter(StageNavigate)
	p := e.settings.Timings.Navigate
	run.logf("Step 1: Navigating to signup page...")
	run.logf("   URL: %s", target)

	_, err := retry.Do(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		run.logf("   [Attempt %d/%d] Navigating...", attempt, p.MaxAttempts)
		return struct{}{}, e.load(ctx, run, target)
	}, run.retryNotice(p.MaxAttempts))
	if err != nil {
		return stageErr(StageNavigate, ErrCodeNavigationError, "could not load signup page", err)
	}
	run.logf("   Page navigation successful")

	if err := run.page.ClearStorage(ctx); err != nil {
		run.logf("   Could not clear storage, continuing...")
	}
	current := run.currentURL(ctx)
	run.logf("   Current URL: %s", current)
	run.capture(ctx, "1-initial-page", false)
	if title, err := run.page.Title(ctx); err == nil {
		run.logf("   Page Title: %s", title)
	}

	if !strings.Contains(current, "signup") && !strings.Contains(current, "login") {
		if serr := e.logout(ctx, run, target); serr != nil {
			return serr
		}
	}
	run.logf("Signup page loaded (storage cleared)")
	return nil
}

// logout recovers from a session the site remembered: it tries a visible
// logout control, wipes cookies and storage either way, then reloads target.
func (e *Engine) logout(ctx context.Context, run *Run, target string) *StageError {
	t := e.settings.Timings
	run.logf("Already logged in, attempting logout...")

	clicked, err := run.page.ClickFirstVisibleByText(ctx, logoutTexts)
	if err == nil && clicked {
		e.settleWaits(ctx, run, t.SettleLoad, browser.LoadStateDOMContentLoaded, browser.LoadStateNetworkIdle)
		run.logf("   Logged out successfully")
	} else {
		run.logf("   Could not find logout button, clearing cookies and reloading...")
	}

	if err := run.page.ClearCookies(ctx); err != nil {
		run.logf("   Could not clear cookies: %s", truncate(err))
	}
	_ = run.page.ClearStorage(ctx)

	_, err = retry.Do(ctx, t.Reload, func(ctx context.Context, _ int) (struct{}, error) {
		return struct{}{}, e.load(ctx, run, target)
	}, nil)
	if err != nil {
		return stageErr(StageNavigate, ErrCodeNavigationError, "could not load signup page", err)
	}
	run.logf("   Reloaded signup page")
	return nil
}

func (e *Engine) fillForm(ctx context.Context, run *Run) *StageError {
	run.enter(StageFill)
	t := e.settings.Timings
	req := run.Request

	run.logf("Step 2: Filling credentials...")
	run.logf("   Email: %s", req.Email)
	run.logf("   Password: %s", strings.Repeat("*", len(req.Password)))
	run.logf("   Waiting for page to be fully interactive...")
	e.settleWaits(ctx, run, t.PageLoad, browser.LoadStateDOMContentLoaded, browser.LoadStateNetworkIdle)
	if err := sleep(ctx, t.FormRender); err != nil {
		return stageErr(StageFill, ErrCodeElementNotFound, "form fields not found", err)
	}

	_, err := retry.Do(ctx, t.Fill, func(ctx context.Context, attempt int) (struct{}, error) {
		run.logf("   [Attempt %d/%d] Looking for form fields...", attempt, t.Fill.MaxAttempts)
		for _, sel := range []string{emailSelector, passwordSelector} {
			if err := run.page.WaitVisible(ctx, sel, t.FieldWait); err != nil {
				return struct{}{}, fmt.Errorf("%s not visible: %w", sel, err)
			}
		}
		emails, err := run.page.Count(ctx, emailSelector)
		if err != nil {
			return struct{}{}, err
		}
		passwords, err := run.page.Count(ctx, passwordSelector)
		if err != nil {
			return struct{}{}, err
		}
		if emails == 0 || passwords == 0 {
			return struct{}{}, fmt.Errorf("found %d email and %d password fields", emails, passwords)
		}
		run.logf("   Found %d email field(s) and %d password field(s)", emails, passwords)
		return struct{}{}, nil
	}, func(int, error, time.Duration) {
		run.logf("   Fields not found yet, waiting...")
	})
	if err != nil {
		run.logf("ERROR: Email or password field not found after retries")
		serr := stageErr(StageFill, ErrCodeElementNotFound, "form fields not found", err)
		serr.Captured = run.capture(ctx, "2-error-no-fields", true)
		run.logf("   Page URL: %s", run.currentURL(ctx))
		if content, cerr := run.page.Content(ctx); cerr == nil {
			run.logf("   Page has %d characters", len(content))
		}
		return serr
	}

	run.logf("   Filling email field...")
	if err := run.page.Fill(ctx, emailSelector, req.Email); err != nil {
		return stageErr(StageFill, ErrCodeElementNotFound, "form fields not found", err)
	}
	if err := sleep(ctx, t.FieldGap); err != nil {
		return stageErr(StageFill, ErrCodeElementNotFound, "form fields not found", err)
	}
	run.logf("   Filling password field...")
	if err := run.page.Fill(ctx, passwordSelector, req.Password); err != nil {
		return stageErr(StageFill, ErrCodeElementNotFound, "form fields not found", err)
	}
	run.capture(ctx, "3-form-filled", false)
	run.logf("Credentials filled")
	return nil
}

func (e *Engine) submitForm(ctx context.Context, run *Run) *StageError {
	run.enter(StageSubmit)
	t := e.settings.Timings
	text := e.settings.Kombai.SubmitText
	run.logf("Step 3: Submitting form...")

	_, err := retry.Do(ctx, t.Submit, func(ctx context.Context, attempt int) (struct{}, error) {
		run.logf("   [Attempt %d/%d] Looking for submit button...", attempt, t.Submit.MaxAttempts)
		st, err := run.page.ButtonState(ctx, text)
		if err != nil {
			return struct{}{}, err
		}
		if st.Count == 0 {
			return struct{}{}, fmt.Errorf("no button labelled %q", text)
		}
		if !st.Visible || !st.Enabled {
			return struct{}{}, fmt.Errorf("button not ready (visible: %t, enabled: %t)", st.Visible, st.Enabled)
		}
		run.logf("   Submit button found and enabled")
		if err := run.page.ClickButton(ctx, text); err != nil {
			return struct{}{}, err
		}
		if err := run.page.WaitLoadState(ctx, browser.LoadStateDOMContentLoaded, t.PageLoad); err != nil {
			return struct{}{}, fmt.Errorf("DOM not ready after submit: %w", err)
		}
		if err := run.page.WaitLoadState(ctx, browser.LoadStateNetworkIdle, t.PageLoad); err != nil && ctx.Err() == nil {
			run.logf("   networkidle timeout after submit, continuing...")
		}
		return struct{}{}, sleep(ctx, t.PostSubmit)
	}, run.retryNotice(t.Submit.MaxAttempts))
	if err != nil {
		run.logf("ERROR: Could not submit form after retries")
		serr := stageErr(StageSubmit, ErrCodeNotActionable, "submit control not actionable", err)
		serr.Captured = run.capture(ctx, "4-error-no-submit", true)
		return serr
	}

	run.logf("   URL after submit: %s", run.currentURL(ctx))
	run.capture(ctx, "4-after-submit", false)
	run.logf("Form submitted")
	return nil
}

func (e *Engine) awaitEmail(ctx context.Context, run *Run) *StageError {
	run.enter(StageAwaitEmail)
	d := e.settings.Timings.EmailDelay
	run.logf("Step 4: Waiting for email (%s)...", d)
	if err := sleep(ctx, d); err != nil {
		return stageErr(StageAwaitEmail, ErrCodeDeadlineExceeded, "automation deadline exceeded", err)
	}
	return nil
}
