// Package blob stores attachment content and hands back upload handles.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Uploader stores binary content under key and returns its storage path.
type Uploader interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (storagePath string, err error)
}

// LocalUploader writes files below a directory. Paths are served by the HTTP
// server under URLPrefix.
type LocalUploader struct {
	dir       string
	urlPrefix string
}

// DefaultURLPrefix is where the HTTP server exposes local files.
const DefaultURLPrefix = "/files"

// NewLocalUploader creates dir if needed.
func NewLocalUploader(dir, urlPrefix string) (*LocalUploader, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("blob: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create directory: %w", err)
	}
	if urlPrefix == "" {
		urlPrefix = DefaultURLPrefix
	}
	return &LocalUploader{dir: dir, urlPrefix: strings.TrimRight(urlPrefix, "/")}, nil
}

// Dir returns the root directory.
func (u *LocalUploader) Dir() string { return u.dir }

// Upload copies reader into dir/key.
func (u *LocalUploader) Upload(ctx context.Context, key string, reader io.Reader, _ int64, _ string) (string, error) {
	if reader == nil {
		return "", errors.New("blob: reader is required")
	}
	key = strings.Trim(filepath.ToSlash(filepath.Clean("/"+key)), "/")
	if key == "" {
		return "", errors.New("blob: object key is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(u.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("blob: create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("blob: create file: %w", err)
	}
	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("blob: write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("blob: close file: %w", err)
	}
	return u.urlPrefix + "/" + key, nil
}

// NoopUploader fails fast when attachment storage is not configured.
type NoopUploader struct{}

func (NoopUploader) Upload(_ context.Context, _ string, _ io.Reader, _ int64, _ string) (string, error) {
	return "", errors.New("attachment storage is not configured")
}

var _ Uploader = (*LocalUploader)(nil)
var _ Uploader = NoopUploader{}
