package stealth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/provisioner/internal/config"
)

func TestEvasionsScriptEmbedded(t *testing.T) {
	assert.Contains(t, evasionsScript, "webdriver")
}

func TestFromConfig(t *testing.T) {
	t.Run("overrides", func(t *testing.T) {
		p := FromConfig(config.BrowserConfig{
			UserAgent: "UA/1.0",
			Locale:    "de-DE",
			Timezone:  "Europe/Berlin",
		})
		assert.Equal(t, "UA/1.0", p.UserAgent)
		assert.Equal(t, "Europe/Berlin", p.Timezone)
		assert.Equal(t, []string{"de-DE", "de"}, p.Languages)
		assert.Equal(t, "Win32", p.Platform)
	})

	t.Run("empty config keeps defaults", func(t *testing.T) {
		assert.Equal(t, DefaultPersona, FromConfig(config.BrowserConfig{}))
	})
}

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "en-US,en;q=0.9", DefaultPersona.AcceptLanguage())
	assert.Equal(t, "fr", Persona{Languages: []string{"fr"}}.AcceptLanguage())
}

func TestApply(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	tasks := Apply(DefaultPersona, zap.New(core))
	// UA, evasions, timezone, locale, headers.
	assert.Len(t, tasks, 5)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Applying browser persona.", logs.All()[0].Message)

	t.Run("minimal persona", func(t *testing.T) {
		assert.Len(t, Apply(Persona{UserAgent: "x"}, nil), 2)
	})
}
