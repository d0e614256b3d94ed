// internal/automation/engine.go
package automation

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/browser"
	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/mailrelay"
	"github.com/xkilldash9x/provisioner/internal/retry"
)

// Page is the slice of a browser tab the pipeline drives. *browser.Session implements it.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitLoadState(ctx context.Context, state browser.LoadState, timeout time.Duration) error
	ClearCookies(ctx context.Context) error
	ClearStorage(ctx context.Context) error
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) error
	Count(ctx context.Context, selector string) (int, error)
	Fill(ctx context.Context, selector, value string) error
	ButtonState(ctx context.Context, text string) (browser.ElementState, error)
	ClickButton(ctx context.Context, text string) error
	ClickFirstVisibleByText(ctx context.Context, texts []string) (bool, error)
	FirstAnchor(ctx context.Context, selector string) (browser.AnchorState, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	Close(ctx context.Context) error
}

// Launcher opens a fresh, isolated page.
type Launcher interface {
	NewPage(ctx context.Context) (Page, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Page, error)

func (f LauncherFunc) NewPage(ctx context.Context) (Page, error) { return f(ctx) }

// ManagerLauncher opens pages as incognito sessions of a browser.Manager.
func ManagerLauncher(m *browser.Manager) Launcher {
	return LauncherFunc(func(ctx context.Context) (Page, error) {
		s, err := m.NewSession(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// MailFetcher returns the confirmation mail for an address. *mailrelay.Client implements it.
type MailFetcher interface {
	FetchConfirmation(ctx context.Context, email string, notify retry.Notify) (*mailrelay.Email, error)
}

// ScreenshotStore persists a PNG and returns a reference a client can fetch.
type ScreenshotStore interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
}

// Timings holds every retry budget and wait of the pipeline.
type Timings struct {
	Navigate retry.Policy
	Reload   retry.Policy
	Fill     retry.Policy
	Submit   retry.Policy
	Confirm  retry.Policy
	Callback retry.Policy

	// PageLoad bounds the DOM and network-idle waits after a navigation or click.
	PageLoad   time.Duration
	FieldWait  time.Duration
	FormRender time.Duration
	FieldGap   time.Duration
	PostSubmit time.Duration
	EmailDelay time.Duration

	SettleDelay time.Duration
	SettleLoad  time.Duration

	CallbackLoad   time.Duration
	CallbackDOM    time.Duration
	CallbackIdle   time.Duration
	CallbackRender time.Duration
	// DebugEvery takes a viewport screenshot on every Nth callback attempt.
	DebugEvery int
}

// DefaultTimings returns the production budgets.
func DefaultTimings() Timings {
	return Timings{
		Navigate: retry.Fixed(3, 3*time.Second),
		Reload:   retry.Fixed(2, 2*time.Second),
		Fill:     retry.Fixed(5, 2*time.Second),
		Submit:   retry.Fixed(5, 2*time.Second),
		Confirm:  retry.Fixed(3, 2*time.Second),
		Callback: retry.Jittered(10, time.Second, 2*time.Second),

		PageLoad:   30 * time.Second,
		FieldWait:  5 * time.Second,
		FormRender: 2 * time.Second,
		FieldGap:   500 * time.Millisecond,
		PostSubmit: 2 * time.Second,
		EmailDelay: 5 * time.Second,

		SettleDelay: 3 * time.Second,
		SettleLoad:  10 * time.Second,

		CallbackLoad:   5 * time.Second,
		CallbackDOM:    5 * time.Second,
		CallbackIdle:   10 * time.Second,
		CallbackRender: time.Second,
		DebugEvery:     3,
	}
}

// Settings are the site facts the pipeline needs.
type Settings struct {
	Kombai      config.KombaiConfig
	ConfirmLink *regexp.Regexp
	Timings     Timings
	// Now is the clock used for log stamps and screenshot names.
	Now func() time.Time
}

// NewSettings derives Settings from configuration.
func NewSettings(k config.KombaiConfig, a config.AutomationConfig) (Settings, error) {
	re, err := regexp.Compile(k.ConfirmLinkPattern)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid confirmation link pattern: %w", err)
	}
	t := DefaultTimings()
	if a.EmailDelay > 0 {
		t.EmailDelay = a.EmailDelay
	}
	if a.SettleDelay > 0 {
		t.SettleDelay = a.SettleDelay
	}
	return Settings{Kombai: k, ConfirmLink: re, Timings: t, Now: time.Now}, nil
}

// Result is the outcome of one run. It always carries the full log.
type Result struct {
	Success     bool      `json:"success"`
	AuthCode    string    `json:"authCode,omitempty"`
	AuthLink    string    `json:"authLink,omitempty"`
	Email       string    `json:"email"`
	IDE         IDE       `json:"ide"`
	Logs        []string  `json:"logs"`
	Screenshots []string  `json:"screenshots"`
	Error       string    `json:"error,omitempty"`
	ErrorCode   ErrorCode `json:"errorCode,omitempty"`
	Stage       Stage     `json:"stage,omitempty"`
	// TokenID is set by the caller once a successful run has been persisted.
	TokenID string `json:"tokenId,omitempty"`
}

// Engine runs the signup pipeline. It is safe for concurrent use; every Run
// owns its own page.
type Engine struct {
	launcher Launcher
	mail     MailFetcher
	store    ScreenshotStore
	settings Settings
	logger   *zap.Logger
}

// NewEngine wires an engine. store may be nil, in which case no screenshots are taken.
// A nil Settings.ConfirmLink falls back to config.DefaultConfirmLinkPattern.
func NewEngine(launcher Launcher, mail MailFetcher, store ScreenshotStore, settings Settings, logger *zap.Logger) *Engine {
	if settings.Now == nil {
		settings.Now = time.Now
	}
	if settings.ConfirmLink == nil {
		// NewSettings compiles the configured pattern; hand-built settings get the default.
		settings.ConfirmLink = regexp.MustCompile(config.DefaultConfirmLinkPattern)
	}
	return &Engine{
		launcher: launcher,
		mail:     mail,
		store:    store,
		settings: settings,
		logger:   logger.Named("automation"),
	}
}

// releaseTimeout bounds cleanup, which runs even after ctx is done.
const releaseTimeout = 10 * time.Second

// Run executes one request end to end. It never returns nil and never panics;
// every failure is reported through the Result.
func (e *Engine) Run(ctx context.Context, req Request) (res *Result) {
	verr := req.Validate()
	run := newRun(req, e.settings.Now, e.store, e.logger)
	if verr != nil {
		run.logf("ERROR: %s", verr)
		return e.result(run, "", "", stageErr(StageInit, ErrCodeInvalidRequest, verr.Error(), verr))
	}

	defer func() {
		if r := recover(); r != nil {
			run.logger.Error("Automation panicked.", zap.Any("panic", r), zap.Stack("stack"))
			serr := stageErr(run.stage, ErrCodeEnginePanic, "internal automation error", fmt.Errorf("panic: %v", r))
			run.logf("ERROR: %s", serr.Message)
			e.finish(ctx, run, serr)
			res = e.result(run, "", "", serr)
		}
	}()

	link, code, serr := e.execute(ctx, run)
	e.finish(ctx, run, serr)
	return e.result(run, link, code, serr)
}

// finish takes the generic failure screenshot when needed and releases the
// page. Cleanup uses its own context so a spent deadline cannot skip it.
func (e *Engine) finish(ctx context.Context, run *Run, serr *StageError) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if serr != nil && !serr.Captured {
		run.capture(cctx, "error", true)
	}
	run.release(cctx)
}

func (e *Engine) result(run *Run, link, code string, serr *StageError) *Result {
	res := &Result{
		Success:     serr == nil,
		AuthCode:    code,
		AuthLink:    link,
		Email:       run.Request.Email,
		IDE:         run.Request.IDE,
		Logs:        run.Logs(),
		Screenshots: run.Screenshots(),
	}
	if res.Screenshots == nil {
		res.Screenshots = []string{}
	}
	if serr != nil {
		res.Error = serr.Message
		res.ErrorCode = serr.Code
		res.Stage = serr.Stage
		run.logger.Warn("Automation failed.", zap.String("stage", string(serr.Stage)),
			zap.String("error_code", string(serr.Code)), zap.Error(serr))
	} else {
		run.logger.Info("Automation completed.", zap.Duration("elapsed", e.settings.Now().Sub(run.Started)))
	}
	return res
}

// execute walks the stages in order and stops at the first terminal failure.
func (e *Engine) execute(ctx context.Context, run *Run) (string, string, *StageError) {
	req := run.Request
	target, custom := req.targetURL(e.settings.Kombai)

	run.logf("Starting Kombai automation")
	if custom {
		run.logf("Using custom signup URL")
	} else {
		run.logf("Using default signup URL for %s", strings.ToUpper(string(req.IDE)))
	}
	run.logf("IDE: %s", strings.ToUpper(string(req.IDE)))
	run.logf("Email: %s", req.Email)

	steps := []func(context.Context, *Run) *StageError{
		e.openPage,
		func(ctx context.Context, run *Run) *StageError { return e.navigate(ctx, run, target) },
		e.fillForm,
		e.submitForm,
		e.awaitEmail,
	}
	for _, step := range steps {
		if serr := e.guard(ctx, run, step(ctx, run)); serr != nil {
			return "", "", serr
		}
	}

	mail, serr := e.fetchEmail(ctx, run)
	if serr = e.guard(ctx, run, serr); serr != nil {
		return "", "", serr
	}
	if serr := e.guard(ctx, run, e.confirm(ctx, run, mail.HTML)); serr != nil {
		return "", "", serr
	}
	if serr := e.guard(ctx, run, e.settle(ctx, run)); serr != nil {
		return "", "", serr
	}
	link, serr := e.pollCallback(ctx, run)
	if serr = e.guard(ctx, run, serr); serr != nil {
		return "", "", serr
	}
	code, serr := e.finalize(ctx, run, link)
	if serr = e.guard(ctx, run, serr); serr != nil {
		return "", "", serr
	}
	return link, code, nil
}

// guard logs a stage failure. Only the run's own context turns a failure into
// a deadline error; timeouts of individual browser calls keep their stage message.
func (e *Engine) guard(ctx context.Context, run *Run, serr *StageError) *StageError {
	if err := ctx.Err(); err != nil {
		if serr == nil {
			serr = stageErr(run.stage, ErrCodeDeadlineExceeded, "automation deadline exceeded", err)
		} else {
			serr.Code = ErrCodeDeadlineExceeded
			serr.Message = "automation deadline exceeded"
		}
	}
	if serr == nil {
		return nil
	}
	run.logf("ERROR: %s", serr.Message)
	return serr
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
