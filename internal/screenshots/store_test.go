// internal/screenshots/store_test.go
package screenshots

import (
	"context"
	"io"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/provisioner/internal/config"
)

func newTestStore(t *testing.T) (*FileStore, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := NewFileStore(fs, config.ScreenshotConfig{Dir: "/shots", PublicPrefix: "/api/screenshots"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, fs
}

func TestFileName(t *testing.T) {
	tests := map[string]string{
		"1700000000000-ab12cd34-1-initial-page": "1700000000000-ab12cd34-1-initial-page.png",
		"debug attempt/3":                       "debug-attempt-3.png",
		"../../etc/passwd":                      "etc-passwd.png",
		"":                                      "screenshot.png",
	}
	for in, want := range tests {
		got := FileName(in)
		assert.Equal(t, want, got, in)
		assert.Regexp(t, validName, got)
	}
}

func TestSaveAndOpen(t *testing.T) {
	s, fs := newTestStore(t)
	ctx := context.Background()

	ref, err := s.Save(ctx, "1700-run1-3-form-filled", []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "/api/screenshots/1700-run1-3-form-filled.png", ref)

	exists, err := afero.Exists(fs, "/shots/1700-run1-3-form-filled.png")
	require.NoError(t, err)
	assert.True(t, exists)

	f, ctype, err := s.Open("1700-run1-3-form-filled.png")
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(body))
	assert.Equal(t, "image/png", ctype)
}

func TestOpen_Validation(t *testing.T) {
	s, _ := newTestStore(t)

	for _, name := range []string{"../secret.png", "a b.png", "x.gif", ".png", "x.png/.."} {
		_, _, err := s.Open(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}

	_, _, err := s.Open("missing.jpg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSave_CanceledContext(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Save(ctx, "x", []byte("y"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentType("a.JPG"))
	assert.Equal(t, "image/jpeg", ContentType("a.jpeg"))
	assert.Equal(t, "image/png", ContentType("a.png"))
}
