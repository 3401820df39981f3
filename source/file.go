package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/ivanvanderbyl/magreflow"
)

// File reads documents from the local filesystem. Relative references are
// resolved against Root when it is set.
type File struct {
	Root string
}

// Fetch reads and checks the document at ref.
func (f File) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := ref
	if f.Root != "" && !filepath.IsAbs(path) {
		path = filepath.Join(f.Root, filepath.Clean(strings.TrimLeft(path, "/")))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(magreflow.ErrDocumentNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, errors.Wrap(magreflow.ErrUnauthorized, path)
		}
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if err := checkPDF(data); err != nil {
		return nil, err
	}
	return data, nil
}

var _ magreflow.Source = File{}
