// internal/browser/options_test.go
package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/provisioner/internal/config"
)

// baseOptionCount is the number of flags applied regardless of config.
const baseOptionCount = 5

func TestDefaultAllocatorOptions(t *testing.T) {
	t.Run("Baseline", func(t *testing.T) {
		assert.Len(t, DefaultAllocatorOptions(config.BrowserConfig{}), baseOptionCount)
	})

	t.Run("Headless and exec path", func(t *testing.T) {
		opts := DefaultAllocatorOptions(config.BrowserConfig{Headless: true, ExecPath: "/usr/bin/chromium"})
		assert.Len(t, opts, baseOptionCount+2)
	})

	t.Run("IgnoreTLSErrors", func(t *testing.T) {
		opts := DefaultAllocatorOptions(config.BrowserConfig{IgnoreTLSErrors: true})
		assert.Len(t, opts, baseOptionCount+2)
	})

	t.Run("Args skip empty flags", func(t *testing.T) {
		opts := DefaultAllocatorOptions(config.BrowserConfig{
			Args: []string{"--disable-dev-shm-usage", "--lang=en-US", "--", ""},
		})
		assert.Len(t, opts, baseOptionCount+2)
	})

	t.Run("Viewport and user agent", func(t *testing.T) {
		opts := DefaultAllocatorOptions(config.BrowserConfig{ViewportWidth: 1280, ViewportHeight: 720, UserAgent: "UA"})
		assert.Len(t, opts, baseOptionCount+2)
	})

	t.Run("Half a viewport is ignored", func(t *testing.T) {
		assert.Len(t, DefaultAllocatorOptions(config.BrowserConfig{ViewportWidth: 1280}), baseOptionCount)
	})
}

func TestXPathLiteral(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`Sign up with email`, `"Sign up with email"`},
		{`say "hi"`, `'say "hi"'`},
		{`it's "x"`, `concat("it's ", '"', "x", '"')`},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, xpathLiteral(tc.in), tc.in)
	}
	assert.Equal(t, `//button[contains(normalize-space(.), "Go")]`, buttonXPath("Go"))
}

func TestJSString(t *testing.T) {
	s, err := jsString(`a[href*="cursor://x"]`)
	assert.NoError(t, err)
	assert.Equal(t, `"a[href*=\"cursor://x\"]"`, s)
}
