package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/provisioner/internal/automation"
	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/ledger"
	"github.com/xkilldash9x/provisioner/internal/mailrelay"
	"github.com/xkilldash9x/provisioner/internal/tokenstore"
)

func newTestProvisioner(t *testing.T, l ledger.Ledger, r Runner, tokens tokenstore.Store, opts Options) *Provisioner {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	return NewProvisioner(l, r, fakeOTP{}, tokens, opts, zaptest.NewLogger(t))
}

func TestProvision_Success(t *testing.T) {
	l := new(MockLedger)
	tokens := new(MockTokenStore)
	l.On("Debit", mock.Anything, "u1", 1).Return(4, nil)
	tokens.On("Save", mock.Anything, mock.MatchedBy(func(rec tokenstore.Record) bool {
		return rec.CustomerID == "u1" &&
			rec.Token == "cursor://kombai.kombai/auth-callback?code=abc123" &&
			rec.Email == "t1@x.icu" &&
			rec.Password == "s3cret!" &&
			rec.ExpiryDays == 30 &&
			rec.Name == tokenstore.DefaultName
	})).Return("tok-1", nil)

	runner := &fakeRunner{result: succeeded}
	p := newTestProvisioner(t, l, runner, tokens, Options{})

	res, err := p.Provision(context.Background(), "u1", validRequest())
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "tok-1", res.TokenID)
	assert.Equal(t, automation.IDECursor, res.IDE, "the alias is normalized before the run")
	require.GreaterOrEqual(t, len(res.Logs), 3)
	assert.Equal(t, "[2026-01-02T03:04:05.000Z] Credit deducted. Remaining credits: 4", res.Logs[0])
	assert.Equal(t, "[2026-01-02T03:04:05.000Z] Token saved with ID: tok-1", res.Logs[len(res.Logs)-1])
	l.AssertExpectations(t)
	tokens.AssertExpectations(t)
	l.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything)
}

func TestProvision_Preconditions(t *testing.T) {
	t.Run("invalid request never touches the ledger", func(t *testing.T) {
		l := new(MockLedger)
		runner := &fakeRunner{result: succeeded}
		p := newTestProvisioner(t, l, runner, nil, Options{})

		res, err := p.Provision(context.Background(), "u1", automation.Request{Email: "nope", IDE: "cursor"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		require.NotNil(t, res)
		assert.Equal(t, automation.ErrCodeInvalidRequest, res.ErrorCode)
		assert.Len(t, res.Logs, 1)
		assert.Empty(t, res.Screenshots)
		l.AssertNotCalled(t, "Debit", mock.Anything, mock.Anything, mock.Anything)
		assert.Zero(t, atomic.LoadInt32(&runner.calls))
	})

	tests := []struct {
		name      string
		ledgerErr error
		code      automation.ErrorCode
		line      string
	}{
		{"zero balance", ledger.ErrInsufficientFunds, automation.ErrCodeInsufficientCredits, "ERROR: Insufficient credits"},
		{"unknown user", ledger.ErrUserNotFound, automation.ErrCodeUserNotFound, "ERROR: User not found"},
		{"ledger down", errors.New("connection refused"), automation.ErrCodeLedgerError, "ERROR: Could not debit credits"},
	}
	for _, tc := range tests {
		t.Run(tc.name+" never opens a browser", func(t *testing.T) {
			l := new(MockLedger)
			l.On("Debit", mock.Anything, "u1", 1).Return(0, tc.ledgerErr)
			runner := &fakeRunner{result: succeeded}
			p := newTestProvisioner(t, l, runner, nil, Options{})

			res, err := p.Provision(context.Background(), "u1", validRequest())
			assert.ErrorIs(t, err, tc.ledgerErr)
			require.NotNil(t, res)
			assert.False(t, res.Success)
			assert.Equal(t, tc.code, res.ErrorCode)
			assert.Equal(t, []string{"[2026-01-02T03:04:05.000Z] " + tc.line}, res.Logs)
			assert.NotNil(t, res.Screenshots)
			assert.Empty(t, res.Screenshots)
			assert.Zero(t, atomic.LoadInt32(&runner.calls))
		})
	}
}

func TestProvision_RefundPolicy(t *testing.T) {
	t.Run("never keeps the credit", func(t *testing.T) {
		l := new(MockLedger)
		l.On("Debit", mock.Anything, "u1", 1).Return(0, nil)
		p := newTestProvisioner(t, l, &fakeRunner{result: failed}, nil, Options{RefundPolicy: config.RefundNever})

		res, err := p.Provision(context.Background(), "u1", validRequest())
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, automation.ErrCodeNoEmail, res.ErrorCode)
		l.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("on_failure returns the credit", func(t *testing.T) {
		l := new(MockLedger)
		l.On("Debit", mock.Anything, "u1", 2).Return(3, nil)
		l.On("Refund", mock.Anything, "u1", 2).Return(nil)
		p := newTestProvisioner(t, l, &fakeRunner{result: failed}, nil,
			Options{RefundPolicy: config.RefundOnFailure, CreditCost: 2})

		res, err := p.Provision(context.Background(), "u1", validRequest())
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Contains(t, res.Logs[len(res.Logs)-1], "Credit refunded after failed run")
		l.AssertExpectations(t)
	})

	t.Run("on_failure keeps the credit of a successful run", func(t *testing.T) {
		l := new(MockLedger)
		l.On("Debit", mock.Anything, "u1", 1).Return(0, nil)
		p := newTestProvisioner(t, l, &fakeRunner{result: succeeded}, nil, Options{RefundPolicy: config.RefundOnFailure})

		res, err := p.Provision(context.Background(), "u1", validRequest())
		require.NoError(t, err)
		assert.True(t, res.Success)
		l.AssertNotCalled(t, "Refund", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestProvision_TokenSaveFailureIsOnlyLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := new(MockLedger)
	l.On("Debit", mock.Anything, "u1", 1).Return(0, nil)
	tokens := new(MockTokenStore)
	tokens.On("Save", mock.Anything, mock.Anything).Return("", errors.New("db down"))

	p := NewProvisioner(l, &fakeRunner{result: succeeded}, fakeOTP{}, tokens, Options{Now: fixedNow}, zap.New(core))
	res, err := p.Provision(context.Background(), "u1", validRequest())

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.TokenID)
	assert.Equal(t, "abc123", res.AuthCode)
	require.Equal(t, 1, logs.FilterMessage("Failed to save token.").Len())
}

func TestProvision_SavesTokenAfterCancellation(t *testing.T) {
	l := new(MockLedger)
	l.On("Debit", mock.Anything, "u1", 1).Return(0, nil)
	tokens := new(MockTokenStore)
	tokens.On("Save", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), mock.Anything).Return("tok-2", nil)

	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{result: func(req automation.Request) *automation.Result {
		cancel()
		return succeeded(req)
	}}
	p := newTestProvisioner(t, l, runner, tokens, Options{})

	res, err := p.Provision(ctx, "u1", validRequest())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", res.TokenID)
	tokens.AssertExpectations(t)
}

func TestProvision_AppliesDeadline(t *testing.T) {
	l := new(MockLedger)
	l.On("Debit", mock.Anything, "u1", 1).Return(0, nil)
	runner := &fakeRunner{result: succeeded}
	p := newTestProvisioner(t, l, runner, nil, Options{Deadline: time.Minute})

	before := time.Now()
	_, err := p.Provision(context.Background(), "u1", validRequest())
	require.NoError(t, err)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.WithinDuration(t, before.Add(time.Minute), runner.deadline, 5*time.Second)
}

func TestProvision_BoundsConcurrentRuns(t *testing.T) {
	l := new(MockLedger)
	l.On("Debit", mock.Anything, mock.Anything, 1).Return(0, nil)
	runner := &fakeRunner{result: succeeded, hold: make(chan struct{})}
	p := newTestProvisioner(t, l, runner, nil, Options{Concurrency: 2})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Provision(context.Background(), "u1", validRequest())
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runner.active) == 2 }, time.Second, 5*time.Millisecond)
	close(runner.hold)
	wg.Wait()

	assert.EqualValues(t, 5, atomic.LoadInt32(&runner.calls))
	assert.EqualValues(t, 2, atomic.LoadInt32(&runner.peak))
}

func TestProvision_RefundsWhenQueueWaitIsAbandoned(t *testing.T) {
	l := new(MockLedger)
	l.On("Debit", mock.Anything, "u1", 1).Return(0, nil)
	l.On("Refund", mock.Anything, "u1", 1).Return(nil).Once()
	runner := &fakeRunner{result: succeeded, hold: make(chan struct{})}
	p := newTestProvisioner(t, l, runner, nil, Options{Concurrency: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Provision(context.Background(), "u1", validRequest())
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runner.active) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := p.Provision(ctx, "u1", validRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, res)
	assert.Equal(t, automation.ErrCodeBrowserUnavailable, res.ErrorCode)
	assert.Equal(t, "[2026-01-02T03:04:05.000Z] Credit refunded", res.Logs[1])

	close(runner.hold)
	<-done
	l.AssertExpectations(t)
	assert.EqualValues(t, 1, atomic.LoadInt32(&runner.calls))
}

func TestRequestOTP(t *testing.T) {
	l := new(MockLedger)
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		p := NewProvisioner(l, nil, fakeOTP{otp: &mailrelay.OTP{Code: "123456", FullText: "code 123456"}}, nil, Options{}, zaptest.NewLogger(t))
		otp, err := p.RequestOTP(ctx, "t1@x.icu")
		require.NoError(t, err)
		assert.Equal(t, "123456", otp.Code)
	})

	t.Run("missing email", func(t *testing.T) {
		p := NewProvisioner(l, nil, fakeOTP{}, nil, Options{}, zaptest.NewLogger(t))
		_, err := p.RequestOTP(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("relay failure passes through", func(t *testing.T) {
		p := NewProvisioner(l, nil, fakeOTP{err: mailrelay.ErrStatus}, nil, Options{}, zaptest.NewLogger(t))
		_, err := p.RequestOTP(ctx, "t1@x.icu")
		assert.ErrorIs(t, err, mailrelay.ErrStatus)
	})

	l.AssertNotCalled(t, "Debit", mock.Anything, mock.Anything, mock.Anything)
}
