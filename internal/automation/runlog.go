// internal/automation/runlog.go
package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/browser"
	"github.com/xkilldash9x/provisioner/internal/mailrelay"
	"github.com/xkilldash9x/provisioner/internal/retry"
)

// logTimeLayout matches the millisecond ISO-8601 stamps operators already read.
const logTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Run is the state of a single automation request. It is owned by one
// goroutine; the mutex only guards readers of Logs during a run.
type Run struct {
	ID      string
	Request Request
	Started time.Time

	page  Page
	stage Stage

	mu          sync.Mutex
	logs        []string
	screenshots []string

	now    func() time.Time
	store  ScreenshotStore
	logger *zap.Logger
}

// LogLine formats msg the way every run log line is written.
func LogLine(t time.Time, msg string) string {
	return fmt.Sprintf("[%s] %s", t.UTC().Format(logTimeLayout), msg)
}

func newRun(req Request, now func() time.Time, store ScreenshotStore, logger *zap.Logger) *Run {
	id := uuid.NewString()
	return &Run{
		ID:      id,
		Request: req,
		Started: now(),
		stage:   StageInit,
		now:     now,
		store:   store,
		logger:  logger.With(zap.String("run_id", id), zap.String("email", req.Email)),
	}
}

// logf appends a timestamped line to the run log and mirrors it to zap.
func (r *Run) logf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	line := LogLine(r.now(), msg)
	r.mu.Lock()
	r.logs = append(r.logs, line)
	r.mu.Unlock()
	r.logger.Debug(msg, zap.String("stage", string(r.stage)))
}

// Logs returns a copy of the run log.
func (r *Run) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

// Screenshots returns a copy of the saved screenshot references, in capture order.
func (r *Run) Screenshots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.screenshots...)
}

func (r *Run) enter(s Stage) {
	r.stage = s
	r.logger.Debug("Entering stage.", zap.String("stage", string(s)))
}

// shotName prefixes label with the run start and a short run ID so that
// concurrent runs never collide on disk.
func (r *Run) shotName(label string) string {
	return fmt.Sprintf("%d-%s-%s", r.Started.UnixMilli(), r.ID[:8], label)
}

// capture screenshots the page and stores it under label. Failures are logged
// and otherwise ignored; the return value reports whether a screenshot was saved.
func (r *Run) capture(ctx context.Context, label string, fullPage bool) bool {
	if r.page == nil || r.store == nil {
		return false
	}
	data, err := r.page.Screenshot(ctx, fullPage)
	if err != nil {
		r.logf("   Could not take screenshot %s: %s", label, truncate(err))
		return false
	}
	ref, err := r.store.Save(ctx, r.shotName(label), data)
	if err != nil {
		r.logf("   Could not save screenshot %s: %s", label, truncate(err))
		return false
	}
	r.mu.Lock()
	r.screenshots = append(r.screenshots, ref)
	r.mu.Unlock()
	r.logf("   Screenshot saved: %s", ref)
	return true
}

// retryNotice logs a failed attempt of a stage and the wait before the next one.
func (r *Run) retryNotice(max int) retry.Notify {
	return func(attempt int, err error, wait time.Duration) {
		r.logf("   Attempt %d/%d failed: %s", attempt, max, truncate(err))
		r.logf("   Retrying in %.1fs...", wait.Seconds())
	}
}

// currentURL is the page location, or "" when it cannot be read.
func (r *Run) currentURL(ctx context.Context) string {
	u, err := r.page.URL(ctx)
	if err != nil {
		return ""
	}
	return u
}

// release closes the page. It is the only place a page is closed.
func (r *Run) release(ctx context.Context) {
	if r.page == nil {
		return
	}
	p := r.page
	r.page = nil
	if err := p.Close(ctx); err != nil {
		r.logger.Warn("Failed to close browser session.", zap.Error(err))
	}
	r.logf("Browser closed")
}

// truncate shortens an error for the run log the same way relay errors are quoted.
func truncate(err error) string {
	if err == nil {
		return ""
	}
	return mailrelay.Truncate(err.Error())
}

var _ Page = (*browser.Session)(nil)
