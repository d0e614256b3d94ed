// internal/automation/helpers_test.go
package automation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/provisioner/internal/browser"
	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/mailrelay"
	"github.com/xkilldash9x/provisioner/internal/retry"
)

const (
	testSignupBase  = "https://agent.kombai.test/signup"
	testConfirmLink = "https://auth.agent.kombai.com/confirm_email?t=tok-123"
	testCallback    = "cursor://kombai.kombai/auth-callback?code=abc123&state=xyz"
)

func testKombai() config.KombaiConfig {
	return config.KombaiConfig{
		SignupBaseURL:      testSignupBase,
		InviteCode:         "INVITE==",
		ConfirmLinkPattern: config.DefaultConfirmLinkPattern,
		SubmitText:         "Sign up with email",
		CursorCallback:     "cursor://kombai.kombai/auth-callback",
		VSCodeCallback:     "vscode://kombai.kombai/auth-callback",
	}
}

// testTimings keeps every budget of DefaultTimings but drops the waits.
func testTimings() Timings {
	return Timings{
		Navigate:   retry.Fixed(3, time.Millisecond),
		Reload:     retry.Fixed(2, time.Millisecond),
		Fill:       retry.Fixed(5, time.Millisecond),
		Submit:     retry.Fixed(5, time.Millisecond),
		Confirm:    retry.Fixed(3, time.Millisecond),
		Callback:   retry.Fixed(10, time.Millisecond),
		DebugEvery: 3,
	}
}

var errFake = errors.New("scripted failure")

// fakePage is a scripted stand-in for a browser tab.
type fakePage struct {
	mu sync.Mutex

	// navErrs are returned by successive Navigate calls; later calls succeed.
	navErrs []error
	// landing maps a navigated URL to the URL the page reports afterwards.
	landing map[string]string
	// fieldsFrom is the first form-field attempt that finds both inputs. 0 means never.
	fieldsFrom int
	button     browser.ElementState
	// anchorFrom is the first callback check that sees a visible link. 0 means never.
	anchorFrom int
	// anchorErr, when set, is returned by every callback check.
	anchorErr error
	href      string
	logoutOK   bool
	panicIn    string

	current       string
	navigations   []string
	fieldAttempts int
	buttonCalls   int
	anchorCalls   int
	clicks        int
	logoutCalls   int
	fills         map[string]string
	closed        int
}

func newFakePage() *fakePage {
	return &fakePage{
		fieldsFrom: 1,
		button:     browser.ElementState{Count: 1, Visible: true, Enabled: true},
		anchorFrom: 1,
		href:       testCallback,
		fills:      map[string]string{},
	}
}

func (p *fakePage) maybePanic(method string) {
	if p.panicIn == method {
		panic("scripted panic in " + method)
	}
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maybePanic("Navigate")
	p.navigations = append(p.navigations, url)
	if len(p.navErrs) > 0 {
		err := p.navErrs[0]
		p.navErrs = p.navErrs[1:]
		if err != nil {
			return err
		}
	}
	if to, ok := p.landing[url]; ok {
		p.current = to
	} else {
		p.current = url
	}
	return ctx.Err()
}

func (p *fakePage) WaitLoadState(ctx context.Context, _ browser.LoadState, _ time.Duration) error {
	return ctx.Err()
}

func (p *fakePage) ClearCookies(ctx context.Context) error { return ctx.Err() }
func (p *fakePage) ClearStorage(ctx context.Context) error { return ctx.Err() }

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, nil
}

func (p *fakePage) Title(context.Context) (string, error) { return "Kombai", nil }

func (p *fakePage) Content(context.Context) (string, error) {
	return "<html><body>nothing here</body></html>", nil
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if selector == emailSelector {
		p.fieldAttempts++
	}
	if p.fieldsFrom == 0 || p.fieldAttempts < p.fieldsFrom {
		return fmt.Errorf("waiting for %s: %w", selector, context.DeadlineExceeded)
	}
	return ctx.Err()
}

func (p *fakePage) Count(_ context.Context, selector string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fieldsFrom == 0 || p.fieldAttempts < p.fieldsFrom {
		return 0, nil
	}
	return 1, nil
}

func (p *fakePage) Fill(_ context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fills[selector] = value
	return nil
}

func (p *fakePage) ButtonState(context.Context, string) (browser.ElementState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buttonCalls++
	return p.button, nil
}

func (p *fakePage) ClickButton(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks++
	return nil
}

func (p *fakePage) ClickFirstVisibleByText(_ context.Context, texts []string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logoutCalls++
	return p.logoutOK, nil
}

func (p *fakePage) FirstAnchor(context.Context, string) (browser.AnchorState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maybePanic("FirstAnchor")
	p.anchorCalls++
	if p.anchorErr != nil {
		return browser.AnchorState{}, p.anchorErr
	}
	if p.anchorFrom == 0 || p.anchorCalls < p.anchorFrom {
		return browser.AnchorState{Count: 1, Visible: false}, nil
	}
	return browser.AnchorState{Count: 1, Visible: true, Href: p.href}, nil
}

func (p *fakePage) Screenshot(context.Context, bool) ([]byte, error) {
	return []byte("\x89PNG fake"), nil
}

func (p *fakePage) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

// fakeLauncher hands out one page per call and counts them.
type fakeLauncher struct {
	page  *fakePage
	err   error
	opens int32
}

func (l *fakeLauncher) NewPage(context.Context) (Page, error) {
	atomic.AddInt32(&l.opens, 1)
	if l.err != nil {
		return nil, l.err
	}
	return l.page, nil
}

// memStore records saved screenshots by name.
type memStore struct {
	mu    sync.Mutex
	names []string
}

func (s *memStore) Save(_ context.Context, name string, _ []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return "/api/screenshots/" + name + ".png", nil
}

var shotPrefix = regexp.MustCompile(`^\d+-[0-9a-f-]{8}-`)

// labels strips the run prefix from each saved screenshot name.
func (s *memStore) labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, shotPrefix.ReplaceAllString(n, ""))
	}
	return out
}

// newRelayServer serves body to every mail request and counts calls.
func newRelayServer(t *testing.T, body string) (*mailrelay.Client, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	cfg := config.MailRelayConfig{WebhookBase: srv.URL, Endpoint: "mail", MaxAttempts: 5, RequestTimeout: 5 * time.Second}
	return mailrelay.NewClient(cfg, zaptest.NewLogger(t), mailrelay.WithPolicy(retry.Fixed(5, time.Millisecond))), &calls
}

func confirmationMail() string {
	return `{"subject":"Confirm your email","html":"<p>Welcome</p><a href=\"` + testConfirmLink + `\">Confirm</a>"}`
}

func newTestEngine(t *testing.T, page *fakePage, mail MailFetcher) (*Engine, *fakeLauncher, *memStore) {
	t.Helper()
	launcher := &fakeLauncher{page: page}
	store := &memStore{}
	settings := Settings{
		Kombai:      testKombai(),
		ConfirmLink: regexp.MustCompile(testKombai().ConfirmLinkPattern),
		Timings:     testTimings(),
	}
	return NewEngine(launcher, mail, store, settings, zaptest.NewLogger(t)), launcher, store
}

func validRequest() Request {
	return Request{Email: "t1@x.icu", Password: "s3cret!", IDE: IDECursor}
}

func logsContain(logs []string, substr string) bool {
	for _, l := range logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
