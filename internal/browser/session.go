// internal/browser/session.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/browser/stealth"
	"github.com/xkilldash9x/provisioner/internal/config"
)

// LoadState names a page lifecycle milestone that can be awaited.
type LoadState string

const (
	LoadStateLoad             LoadState = "load"
	LoadStateDOMContentLoaded LoadState = "domcontentloaded"
	LoadStateNetworkIdle      LoadState = "networkidle"
)

// ElementState describes the first element matching a lookup.
type ElementState struct {
	Count   int  `json:"count"`
	Visible bool `json:"visible"`
	Enabled bool `json:"enabled"`
}

// AnchorState describes the first anchor matching a selector.
type AnchorState struct {
	Count   int    `json:"count"`
	Visible bool   `json:"visible"`
	Href    string `json:"href"`
}

const (
	navigationTimeout = 60 * time.Second
	actionTimeout     = 10 * time.Second
	pollInterval      = 100 * time.Millisecond
)

// ErrSessionClosed is returned by any call on a closed session.
var ErrSessionClosed = errors.New("browser session is closed")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Session is one tab inside its own incognito browser context. Nothing is
// shared with other sessions.
type Session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
	cfg    config.BrowserConfig
	idle   *idleTracker

	onClose func()

	mu       sync.Mutex
	isClosed bool
}

func newSession(tabCtx context.Context, cancel context.CancelFunc, cfg config.BrowserConfig, logger *zap.Logger, onClose func()) *Session {
	id := uuid.NewString()
	log := logger.With(zap.String("session_id", id))
	return &Session{
		id:      id,
		ctx:     tabCtx,
		cancel:  cancel,
		logger:  log,
		cfg:     cfg,
		idle:    newIdleTracker(log.Named("idle")),
		onClose: onClose,
	}
}

// initialize attaches the tab and applies viewport, persona and a clean cookie jar.
func (s *Session) initialize(ctx context.Context) error {
	// The first Run creates the target; it must use the tab context itself.
	if err := chromedp.Run(s.ctx); err != nil {
		return fmt.Errorf("failed to create browser target: %w", err)
	}
	s.idle.listen(s.ctx)

	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.EmulateViewport(int64(s.cfg.ViewportWidth), int64(s.cfg.ViewportHeight)),
	}
	tasks = append(tasks, stealth.Apply(stealth.FromConfig(s.cfg), s.logger)...)
	if s.cfg.BypassCSP {
		tasks = append(tasks, page.SetBypassCSP(true))
	}
	if s.cfg.IgnoreTLSErrors {
		tasks = append(tasks, security.SetIgnoreCertificateErrors(true))
	}
	if err := s.run(ctx, tasks); err != nil {
		return fmt.Errorf("failed to apply session settings: %w", err)
	}
	if err := s.ClearCookies(ctx); err != nil {
		return err
	}
	s.logger.Debug("Browser session initialized.")
	return nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

// run executes actions bounded by both the tab lifetime and ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	if s.closed() {
		return ErrSessionClosed
	}
	runCtx, cancel := CombineContext(s.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// runWithin is run with an additional timeout.
func (s *Session) runWithin(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.run(tctx, actions...)
}

// Navigate loads url and waits for the load event.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.runWithin(ctx, navigationTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

// WaitLoadState blocks until the page reaches state or timeout elapses.
func (s *Session) WaitLoadState(ctx context.Context, state LoadState, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch state {
	case LoadStateNetworkIdle:
		if s.closed() {
			return ErrSessionClosed
		}
		return s.idle.wait(wctx, networkIdleQuiet)
	case LoadStateLoad:
		return s.pollTrue(wctx, `document.readyState === "complete"`)
	case LoadStateDOMContentLoaded:
		return s.pollTrue(wctx, `document.readyState !== "loading"`)
	default:
		return fmt.Errorf("unknown load state %q", state)
	}
}

// pollTrue evaluates expr until it yields true. Evaluation errors during a
// navigation are expected and retried.
func (s *Session) pollTrue(ctx context.Context, expr string) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var ok bool
		if err := s.run(ctx, chromedp.Evaluate(expr, &ok)); err == nil && ok {
			return nil
		} else if errors.Is(err, ErrSessionClosed) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ClearCookies drops every cookie in this session's browser context.
func (s *Session) ClearCookies(ctx context.Context) error {
	err := s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		op := storage.ClearCookies()
		if cc := chromedp.FromContext(c); cc != nil && cc.BrowserContextID != "" {
			op = op.WithBrowserContextID(cc.BrowserContextID)
		}
		return op.Do(c)
	}))
	if err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	return nil
}

// ClearStorage empties localStorage and sessionStorage of the current origin.
func (s *Session) ClearStorage(ctx context.Context) error {
	const script = `(() => { try { localStorage.clear(); sessionStorage.clear(); return true; } catch (e) { return false; } })()`
	var ok bool
	if err := s.runWithin(ctx, actionTimeout, chromedp.Evaluate(script, &ok)); err != nil {
		return fmt.Errorf("failed to clear storage: %w", err)
	}
	if !ok {
		return errors.New("storage is not accessible on this origin")
	}
	return nil
}

// URL returns the current document location.
func (s *Session) URL(ctx context.Context) (string, error) {
	var u string
	err := s.runWithin(ctx, actionTimeout, chromedp.Location(&u))
	return u, err
}

// Title returns the current document title.
func (s *Session) Title(ctx context.Context) (string, error) {
	var t string
	err := s.runWithin(ctx, actionTimeout, chromedp.Title(&t))
	return t, err
}

// Content returns the serialized document.
func (s *Session) Content(ctx context.Context) (string, error) {
	var html string
	err := s.runWithin(ctx, actionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

// WaitVisible waits up to timeout for selector to become visible.
func (s *Session) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return s.runWithin(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

// Count returns how many elements match selector.
func (s *Session) Count(ctx context.Context, selector string) (int, error) {
	sel, err := jsString(selector)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.runWithin(ctx, actionTimeout, chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%s).length`, sel), &n))
	return n, err
}

// Fill replaces the value of the first element matching selector by typing value.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	err := s.runWithin(ctx, actionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.Focus(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("failed to fill %s: %w", selector, err)
	}
	return nil
}

const elementStateJS = `(() => {
  const want = %s;
  const els = Array.from(document.querySelectorAll('button')).filter(b => (b.innerText || b.textContent || '').includes(want));
  if (els.length === 0) return { count: 0, visible: false, enabled: false };
  const el = els[0];
  const r = el.getBoundingClientRect();
  const st = window.getComputedStyle(el);
  const visible = r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none';
  const enabled = !el.disabled && el.getAttribute('aria-disabled') !== 'true';
  return { count: els.length, visible: visible, enabled: enabled };
})()`

// ButtonState reports on the first button whose text contains text.
func (s *Session) ButtonState(ctx context.Context, text string) (ElementState, error) {
	var st ElementState
	lit, err := jsString(text)
	if err != nil {
		return st, err
	}
	err = s.runWithin(ctx, actionTimeout, chromedp.Evaluate(fmt.Sprintf(elementStateJS, lit), &st))
	return st, err
}

// ClickButton clicks the first visible button whose text contains text.
func (s *Session) ClickButton(ctx context.Context, text string) error {
	if err := s.runWithin(ctx, actionTimeout, chromedp.Click(buttonXPath(text), chromedp.BySearch)); err != nil {
		return fmt.Errorf("failed to click button %q: %w", text, err)
	}
	return nil
}

const clickByTextJS = `(() => {
  const wants = %s;
  const els = Array.from(document.querySelectorAll('button, a'));
  for (const el of els) {
    const txt = (el.innerText || el.textContent || '').trim();
    if (!wants.some(w => txt.includes(w))) continue;
    const r = el.getBoundingClientRect();
    if (r.width === 0 || r.height === 0) continue;
    el.click();
    return true;
  }
  return false;
})()`

// ClickFirstVisibleByText clicks the first visible button or link whose text
// contains any of texts. It reports whether anything was clicked.
func (s *Session) ClickFirstVisibleByText(ctx context.Context, texts []string) (bool, error) {
	lit, err := json.Marshal(texts)
	if err != nil {
		return false, err
	}
	var clicked bool
	err = s.runWithin(ctx, actionTimeout, chromedp.Evaluate(fmt.Sprintf(clickByTextJS, lit), &clicked))
	return clicked, err
}

const anchorStateJS = `(() => {
  const els = document.querySelectorAll(%s);
  if (els.length === 0) return { count: 0, visible: false, href: '' };
  const el = els[0];
  const r = el.getBoundingClientRect();
  const st = window.getComputedStyle(el);
  const visible = r.width > 0 && r.height > 0 && st.visibility !== 'hidden' && st.display !== 'none';
  return { count: els.length, visible: visible, href: el.getAttribute('href') || '' };
})()`

// FirstAnchor inspects the first element matching selector.
func (s *Session) FirstAnchor(ctx context.Context, selector string) (AnchorState, error) {
	var st AnchorState
	lit, err := jsString(selector)
	if err != nil {
		return st, err
	}
	err = s.runWithin(ctx, actionTimeout, chromedp.Evaluate(fmt.Sprintf(anchorStateJS, lit), &st))
	return st, err
}

// Screenshot captures the viewport, or the whole page when fullPage is set. The result is PNG.
func (s *Session) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	var buf []byte
	var action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	if fullPage {
		// Quality 100 makes FullScreenshot encode PNG.
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := s.runWithin(ctx, 30*time.Second, action); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

// Close closes the tab and disposes its browser context. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	s.mu.Unlock()

	defer func() {
		if s.onClose != nil {
			s.onClose()
		}
	}()

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()

	var err error
	select {
	case err = <-done:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	case <-ctx.Done():
		err = fmt.Errorf("timed out closing browser session: %w", ctx.Err())
	}
	s.cancel()
	if err != nil {
		s.logger.Warn("Browser session did not close cleanly.", zap.Error(err))
		return err
	}
	s.logger.Debug("Browser session closed.")
	return nil
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
