package assets

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/ivanvanderbyl/magreflow"
)

// FileStore writes assets under a local directory. The returned URL is the
// asset path joined onto the configured public base URL.
type FileStore struct {
	root    string
	baseURL string
}

// NewFileStore creates a store rooted at dir. When baseURL is empty, file://
// URLs are returned.
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	if dir == "" {
		return nil, &magreflow.ConfigError{Field: "assets.dir", Reason: "is required"}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve asset directory")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create asset directory")
	}
	return &FileStore{root: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Upload writes data to path under the root, replacing any existing file.
// The write goes to a temporary file first and is renamed into place.
func (f *FileStore) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	target, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", errors.Wrapf(err, "create directory for %s", path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return "", errors.Wrapf(err, "create temp file for %s", path)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrapf(err, "close %s", path)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", errors.Wrapf(err, "rename into %s", path)
	}

	return f.url(path), nil
}

func (f *FileStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimLeft(path, "/")))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", errors.Errorf("invalid asset path %q", path)
	}
	return filepath.Join(f.root, clean), nil
}

func (f *FileStore) url(path string) string {
	path = strings.TrimLeft(path, "/")
	if f.baseURL == "" {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(f.root, path))}).String()
	}
	return f.baseURL + "/" + escapePath(path)
}

var _ magreflow.AssetStore = (*FileStore)(nil)
