package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/provisioner/internal/config"
	"github.com/xkilldash9x/provisioner/internal/ledger"
)

func TestInitializePersistence(t *testing.T) {
	t.Run("falls back to memory with a warning", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		p, err := InitializePersistence(context.Background(), config.DatabaseConfig{}, map[string]int{"cli": 3}, zap.New(core))
		require.NoError(t, err)

		assert.Nil(t, p.Pool)
		assert.Nil(t, p.Tokens)
		mem, ok := p.Ledger.(*ledger.Memory)
		require.True(t, ok)
		bal, found := mem.Balance("cli")
		assert.True(t, found)
		assert.Equal(t, 3, bal)
		assert.Equal(t, 1, logs.Len())
	})

	t.Run("rejects an unparseable URL", func(t *testing.T) {
		_, err := InitializePersistence(context.Background(), config.DatabaseConfig{URL: "not a url ::"}, nil, zap.NewNop())
		assert.ErrorContains(t, err, "unable to parse PGX pool config")
	})
}
