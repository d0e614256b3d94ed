package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestComponents_Shutdown(t *testing.T) {
	var order []string
	mockBrowserManager := new(MockBrowserManager)
	mockPool := new(MockPool)

	mockBrowserManager.On("Shutdown", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})).Return(nil).Run(func(mock.Arguments) { order = append(order, "browser") })
	mockPool.On("Close").Return().Run(func(mock.Arguments) { order = append(order, "pool") })

	components := &Components{
		BrowserManager: mockBrowserManager,
		DBPool:         mockPool,
	}
	components.Shutdown()

	mockBrowserManager.AssertExpectations(t)
	mockPool.AssertExpectations(t)
	assert.Equal(t, []string{"browser", "pool"}, order, "browsers close before the database")
}

func TestComponents_ShutdownContinuesPastBrowserError(t *testing.T) {
	mockBrowserManager := new(MockBrowserManager)
	mockPool := new(MockPool)
	mockBrowserManager.On("Shutdown", mock.Anything).Return(errors.New("chrome hung"))
	mockPool.On("Close").Return()

	(&Components{BrowserManager: mockBrowserManager, DBPool: mockPool}).Shutdown()

	mockPool.AssertExpectations(t)
}

func TestComponents_ShutdownEmpty(t *testing.T) {
	assert.NotPanics(t, func() { (&Components{}).Shutdown() })
}
