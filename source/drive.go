package source

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"

	"github.com/ivanvanderbyl/magreflow"
)

const (
	// DriveAPIBase is the Google Drive v3 REST endpoint.
	DriveAPIBase = "https://www.googleapis.com/drive/v3"

	// DriveReadOnlyScope is the only scope the source asks for.
	DriveReadOnlyScope = "https://www.googleapis.com/auth/drive.readonly"
)

// Drive downloads files from Google Drive by file id using a service
// account.
type Drive struct {
	client  *http.Client
	baseURL string
}

// DriveOption customises a Drive source.
type DriveOption func(*Drive)

// WithDriveBaseURL points the source at another API base.
func WithDriveBaseURL(base string) DriveOption {
	return func(d *Drive) { d.baseURL = strings.TrimRight(base, "/") }
}

// ServiceAccountClient builds an HTTP client that authenticates as the
// service account. Escaped "\n" sequences in the key, as they appear in
// environment variables, are turned back into newlines.
func ServiceAccountClient(ctx context.Context, clientEmail, privateKey string) (*http.Client, error) {
	if clientEmail == "" {
		return nil, &magreflow.ConfigError{Field: "GOOGLE_CLIENT_EMAIL", Reason: "is required"}
	}
	if privateKey == "" {
		return nil, &magreflow.ConfigError{Field: "GOOGLE_PRIVATE_KEY", Reason: "is required"}
	}

	conf := &jwt.Config{
		Email:      clientEmail,
		PrivateKey: []byte(strings.ReplaceAll(privateKey, `\n`, "\n")),
		Scopes:     []string{DriveReadOnlyScope},
		TokenURL:   google.JWTTokenURL,
	}
	return conf.Client(ctx), nil
}

// NewDrive creates a Drive source that issues requests with client, which
// must already carry credentials (see ServiceAccountClient).
func NewDrive(client *http.Client, opts ...DriveOption) *Drive {
	d := &Drive{client: client, baseURL: DriveAPIBase}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NewDriveFromToken creates a Drive source from a static token source, for
// callers that obtain tokens elsewhere.
func NewDriveFromToken(ctx context.Context, ts oauth2.TokenSource, opts ...DriveOption) *Drive {
	return NewDrive(oauth2.NewClient(ctx, ts), opts...)
}

// Fetch downloads the content of the file with id ref.
func (d *Drive) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, errors.Wrap(magreflow.ErrDocumentNotFound, "empty file id")
	}
	endpoint := fmt.Sprintf("%s/files/%s?alt=media&supportsAllDrives=true", d.baseURL, url.PathEscape(ref))
	return download(ctx, d.client, endpoint)
}

var _ magreflow.Source = (*Drive)(nil)
