package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivanvanderbyl/magreflow"
)

var minimalPDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

func TestFile_Fetch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "issue.pdf"), minimalPDF, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello world"), 0o644))

	src := File{Root: dir}
	ctx := context.Background()

	data, err := src.Fetch(ctx, "issue.pdf")
	require.NoError(t, err)
	assert.Equal(t, minimalPDF, data)

	_, err = src.Fetch(ctx, "missing.pdf")
	assert.True(t, errors.Is(err, magreflow.ErrDocumentNotFound))

	_, err = src.Fetch(ctx, "notes.txt")
	assert.True(t, errors.Is(err, magreflow.ErrNotPDF))
}

func TestHTTP_FetchStatusMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.pdf":
			w.Write(minimalPDF)
		case "/private.pdf":
			http.Error(w, "forbidden", http.StatusForbidden)
		case "/html":
			w.Write([]byte("<html><body>login</body></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewHTTP()
	ctx := context.Background()

	data, err := src.Fetch(ctx, srv.URL+"/ok.pdf")
	require.NoError(t, err)
	assert.Equal(t, minimalPDF, data)

	_, err = src.Fetch(ctx, srv.URL+"/private.pdf")
	assert.True(t, errors.Is(err, magreflow.ErrUnauthorized))

	_, err = src.Fetch(ctx, srv.URL+"/gone.pdf")
	assert.True(t, errors.Is(err, magreflow.ErrDocumentNotFound))

	_, err = src.Fetch(ctx, srv.URL+"/html")
	assert.True(t, errors.Is(err, magreflow.ErrNotPDF))
}

func TestDrive_Fetch(t *testing.T) {
	var gotPath, gotAlt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAlt = r.URL.Query().Get("alt")
		if r.URL.Path == "/files/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write(minimalPDF)
	}))
	defer srv.Close()

	src := NewDrive(srv.Client(), WithDriveBaseURL(srv.URL))
	ctx := context.Background()

	data, err := src.Fetch(ctx, "1AbCdEfGhIjKlMnOpQrStUv")
	require.NoError(t, err)
	assert.Equal(t, minimalPDF, data)
	assert.Equal(t, "/files/1AbCdEfGhIjKlMnOpQrStUv", gotPath)
	assert.Equal(t, "media", gotAlt)

	_, err = src.Fetch(ctx, "missing")
	assert.True(t, errors.Is(err, magreflow.ErrDocumentNotFound))
}

func TestServiceAccountClient_RequiresCredentials(t *testing.T) {
	_, err := ServiceAccountClient(context.Background(), "", "key")
	assert.True(t, magreflow.IsConfigError(err))

	_, err = ServiceAccountClient(context.Background(), "svc@example.iam.gserviceaccount.com", "")
	assert.True(t, magreflow.IsConfigError(err))
}

type recordingSource struct{ refs []string }

func (r *recordingSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	r.refs = append(r.refs, ref)
	return minimalPDF, nil
}

func TestRouter_Dispatch(t *testing.T) {
	file, web, drive := &recordingSource{}, &recordingSource{}, &recordingSource{}
	router := &Router{File: file, HTTP: web, Drive: drive}
	ctx := context.Background()

	for _, ref := range []string{
		"https://example.com/a.pdf",
		"drive:abc",
		"1AbCdEfGhIjKlMnOpQrStUv",
		"./issues/a.pdf",
		"file:/tmp/b.pdf",
	} {
		_, err := router.Fetch(ctx, ref)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"https://example.com/a.pdf"}, web.refs)
	assert.Equal(t, []string{"abc", "1AbCdEfGhIjKlMnOpQrStUv"}, drive.refs)
	assert.Equal(t, []string{"./issues/a.pdf", "/tmp/b.pdf"}, file.refs)
}

func TestRouter_MissingSource(t *testing.T) {
	_, err := (&Router{}).Fetch(context.Background(), "https://example.com/a.pdf")
	assert.Error(t, err)
}
