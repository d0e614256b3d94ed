// internal/screenshots/store.go
package screenshots

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xkilldash9x/provisioner/internal/config"
)

var (
	// ErrInvalidName is returned for file names outside the allow-list.
	ErrInvalidName = errors.New("invalid screenshot file name")
	// ErrNotFound is returned when the named screenshot does not exist.
	ErrNotFound = errors.New("screenshot not found")
)

// validName is the only shape a served file name may take.
var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]+\.(png|jpg|jpeg)$`)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// FileStore writes screenshots into a single flat directory and serves them back by name.
type FileStore struct {
	fs     afero.Fs
	dir    string
	prefix string
	logger *zap.Logger
}

// NewFileStore creates the directory if needed. A nil fs means the OS filesystem.
func NewFileStore(fs afero.Fs, cfg config.ScreenshotConfig, logger *zap.Logger) (*FileStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if cfg.Dir == "" {
		return nil, errors.New("screenshot directory is not configured")
	}
	if err := fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot dir %s: %w", cfg.Dir, err)
	}
	prefix := cfg.PublicPrefix
	if prefix == "" {
		prefix = "/api/screenshots/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &FileStore{fs: fs, dir: cfg.Dir, prefix: prefix, logger: logger.Named("screenshots")}, nil
}

// FileName turns an arbitrary name into one that passes the allow-list.
func FileName(name string) string {
	clean := strings.Trim(unsafeChars.ReplaceAllString(name, "-"), "-")
	if clean == "" {
		clean = "screenshot"
	}
	return clean + ".png"
}

// Save writes a PNG under name and returns its public reference.
func (s *FileStore) Save(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	file := FileName(name)
	if err := afero.WriteFile(s.fs, filepath.Join(s.dir, file), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write screenshot %s: %w", file, err)
	}
	s.logger.Debug("Screenshot saved.", zap.String("file", file), zap.Int("bytes", len(data)))
	return s.prefix + file, nil
}

// Open returns the named screenshot and its content type. The caller closes it.
func (s *FileStore) Open(name string) (afero.File, string, error) {
	if !validName.MatchString(name) {
		return nil, "", ErrInvalidName
	}
	f, err := s.fs.Open(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to open screenshot %s: %w", name, err)
	}
	return f, ContentType(name), nil
}

// ContentType maps an allowed extension to its MIME type.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "image/png"
	}
}
