// Package source fetches source PDF documents from the local filesystem,
// plain HTTP(S) URLs and Google Drive.
package source

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"

	"github.com/ivanvanderbyl/magreflow"
)

// maxDocumentSize bounds how much of a response body is read.
const maxDocumentSize = 512 << 20

// checkPDF sniffs the payload and rejects anything that is not a PDF.
func checkPDF(data []byte) error {
	if len(data) == 0 {
		return errors.Wrap(magreflow.ErrNotPDF, "empty payload")
	}
	mtype := mimetype.Detect(data)
	if !mtype.Is("application/pdf") {
		return errors.Wrapf(magreflow.ErrNotPDF, "detected %s", mtype.String())
	}
	return nil
}

// statusError maps an HTTP status to the source sentinels.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	detail := strings.TrimSpace(string(body))

	switch resp.StatusCode {
	case http.StatusNotFound:
		return errors.Wrap(magreflow.ErrDocumentNotFound, detail)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Wrap(magreflow.ErrUnauthorized, detail)
	}
	return errors.Errorf("unexpected status %d: %s", resp.StatusCode, detail)
}

// download GETs url with client and returns the checked body.
func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(data) > maxDocumentSize {
		return nil, errors.Errorf("document larger than %d bytes", maxDocumentSize)
	}
	if err := checkPDF(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Router dispatches a reference to a source by its form: http(s) URLs go to
// HTTP, "drive:" prefixed ids and bare ids go to Drive, everything else
// (including file: refs) to File.
type Router struct {
	File  magreflow.Source
	HTTP  magreflow.Source
	Drive magreflow.Source
}

// Fetch implements magreflow.Source.
func (r *Router) Fetch(ctx context.Context, ref string) ([]byte, error) {
	var src magreflow.Source
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		src = r.HTTP
	case strings.HasPrefix(ref, "drive:"):
		src, ref = r.Drive, strings.TrimPrefix(ref, "drive:")
	case strings.HasPrefix(ref, "file:"):
		src, ref = r.File, strings.TrimPrefix(ref, "file:")
	case looksLikeDriveID(ref):
		src = r.Drive
	default:
		src = r.File
	}
	if src == nil {
		return nil, errors.Errorf("no source configured for %q", ref)
	}
	return src.Fetch(ctx, ref)
}

// looksLikeDriveID reports whether ref has the shape of a Drive file id:
// no path separators or dots, only id characters, and at least 20 of them.
func looksLikeDriveID(ref string) bool {
	if len(ref) < 20 {
		return false
	}
	for _, r := range ref {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

var _ magreflow.Source = (*Router)(nil)
