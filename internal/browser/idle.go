// internal/browser/idle.go
package browser

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// networkIdleQuiet is how long the page must have no in-flight requests to count as idle.
const networkIdleQuiet = 500 * time.Millisecond

// idleTracker counts in-flight requests for a single tab.
type idleTracker struct {
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	lastSeen time.Time
}

func newIdleTracker(logger *zap.Logger) *idleTracker {
	return &idleTracker{
		logger:   logger,
		inflight: make(map[network.RequestID]struct{}),
		lastSeen: time.Now(),
	}
}

// listen subscribes to the tab's network events. The subscription ends with tabCtx.
func (t *idleTracker) listen(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, t.handle)
}

func (t *idleTracker) handle(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		t.started(e.RequestID)
	case *network.EventLoadingFinished:
		t.finished(e.RequestID)
	case *network.EventLoadingFailed:
		t.finished(e.RequestID)
	}
}

func (t *idleTracker) started(id network.RequestID) {
	t.mu.Lock()
	t.inflight[id] = struct{}{}
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

func (t *idleTracker) finished(id network.RequestID) {
	t.mu.Lock()
	delete(t.inflight, id)
	t.lastSeen = time.Now()
	t.mu.Unlock()
}

func (t *idleTracker) snapshot() (int, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight), t.lastSeen
}

// wait blocks until no request has been in flight for quiet, or ctx is done.
func (t *idleTracker) wait(ctx context.Context, quiet time.Duration) error {
	ticker := time.NewTicker(quiet / 5)
	defer ticker.Stop()

	for {
		n, last := t.snapshot()
		if n == 0 && time.Since(last) >= quiet {
			return nil
		}
		select {
		case <-ctx.Done():
			t.logger.Debug("Network idle wait aborted.", zap.Int("inflight_requests", n), zap.Error(ctx.Err()))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
