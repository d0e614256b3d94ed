// internal/automation/callback.go
package automation

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/xkilldash9x/provisioner/internal/browser"
	"github.com/xkilldash9x/provisioner/internal/retry"
)

var authCodePattern = regexp.MustCompile(`code=([^&]+)`)

// ParseAuthCode pulls the authorization code out of a callback URI.
func ParseAuthCode(link string) (string, bool) {
	m := authCodePattern.FindStringSubmatch(link)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// CallbackSelector matches anchors pointing at the given callback scheme.
func CallbackSelector(scheme string) string {
	return fmt.Sprintf(`a[href*=%q]`, scheme)
}

// pollCallback waits for the post-confirmation page to render a visible
// callback link and returns its href.
func (e *Engine) pollCallback(ctx context.Context, run *Run) (string, *StageError) {
	run.enter(StageCallback)
	t := e.settings.Timings
	selector := CallbackSelector(run.Request.IDE.CallbackScheme(e.settings.Kombai))

	run.logf("Step 9: Extracting auth callback link...")
	run.logf("   Will retry up to %d times", t.Callback.MaxAttempts)

	link, err := retry.Do(ctx, t.Callback, func(ctx context.Context, attempt int) (string, error) {
		run.logf("   [Attempt %d/%d] Looking for auth link...", attempt, t.Callback.MaxAttempts)
		href, err := e.findCallback(ctx, run, selector)
		if err == nil {
			run.logf("   Found auth link on attempt %d", attempt)
			return href, nil
		}
		if t.DebugEvery > 0 && attempt%t.DebugEvery == 0 {
			run.capture(ctx, fmt.Sprintf("debug-attempt-%d", attempt), false)
		}
		return "", err
	}, func(_ int, err error, wait time.Duration) {
		run.logf("   %s", truncate(err))
		run.logf("   Waiting %.1fs before retry...", wait.Seconds())
	})
	if err != nil {
		serr := stageErr(StageCallback, ErrCodeCallbackNotFound, "auth callback link not found", err)
		serr.Captured = run.capture(ctx, "final-no-link-found", true)
		return "", serr
	}
	return link, nil
}

// findCallback makes one check for a visible callback anchor.
func (e *Engine) findCallback(ctx context.Context, run *Run, selector string) (string, error) {
	t := e.settings.Timings
	_ = run.page.WaitLoadState(ctx, browser.LoadStateLoad, t.CallbackLoad)
	_ = run.page.WaitLoadState(ctx, browser.LoadStateDOMContentLoaded, t.CallbackDOM)
	_ = run.page.WaitLoadState(ctx, browser.LoadStateNetworkIdle, t.CallbackIdle)
	if err := sleep(ctx, t.CallbackRender); err != nil {
		return "", err
	}

	st, err := run.page.FirstAnchor(ctx, selector)
	if err != nil {
		return "", fmt.Errorf("error while looking for link: %w", err)
	}
	if st.Count > 0 && st.Visible && st.Href != "" {
		return st.Href, nil
	}
	return "", fmt.Errorf("link not visible yet (found %d element(s))", st.Count)
}

func (e *Engine) finalize(ctx context.Context, run *Run, link string) (string, *StageError) {
	run.enter(StageFinalize)
	code, ok := ParseAuthCode(link)
	if !ok {
		return "", stageErr(StageFinalize, ErrCodeAuthCodeMissing, "auth code missing from callback", nil)
	}
	run.logf("Auth code extracted")
	run.logf("SUCCESS! Automation completed")
	run.logf("Auth Code: %s", code)
	run.capture(ctx, "5-final-success", false)
	return code, nil
}
