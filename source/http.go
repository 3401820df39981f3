package source

import (
	"context"
	"net/http"
	"time"

	"github.com/ivanvanderbyl/magreflow"
)

// HTTP downloads documents from http(s) URLs.
type HTTP struct {
	Client *http.Client
}

// NewHTTP returns an HTTP source with a two minute timeout.
func NewHTTP() *HTTP {
	return &HTTP{Client: &http.Client{Timeout: 2 * time.Minute}}
}

// Fetch downloads the document at the URL ref.
func (h *HTTP) Fetch(ctx context.Context, ref string) ([]byte, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	return download(ctx, client, ref)
}

var _ magreflow.Source = (*HTTP)(nil)
