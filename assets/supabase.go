// Package assets holds the asset stores jobs upload rasters and documents to.
package assets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ivanvanderbyl/magreflow"
)

// DefaultBucket is the storage bucket used when none is configured.
const DefaultBucket = "magazine-pages"

// Supabase uploads assets to a Supabase storage bucket over its REST API.
type Supabase struct {
	baseURL    string
	serviceKey string
	bucket     string
	client     *http.Client
}

// SupabaseOption customises a Supabase store.
type SupabaseOption func(*Supabase)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) SupabaseOption {
	return func(s *Supabase) { s.client = client }
}

// WithBucket sets the bucket. Default: DefaultBucket.
func WithBucket(bucket string) SupabaseOption {
	return func(s *Supabase) { s.bucket = bucket }
}

// NewSupabase creates a store for the project at baseURL authenticated with
// the service role key.
func NewSupabase(baseURL, serviceKey string, opts ...SupabaseOption) (*Supabase, error) {
	if baseURL == "" {
		return nil, &magreflow.ConfigError{Field: "SUPABASE_URL", Reason: "is required"}
	}
	if serviceKey == "" {
		return nil, &magreflow.ConfigError{Field: "SUPABASE_SERVICE_KEY", Reason: "is required"}
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, &magreflow.ConfigError{Field: "SUPABASE_URL", Reason: err.Error()}
	}

	s := &Supabase{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		bucket:     DefaultBucket,
		client:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Upload stores data at path, overwriting any existing object, and returns
// its public URL.
func (s *Supabase) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	path = strings.TrimLeft(path, "/")
	endpoint := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.baseURL, s.bucket, escapePath(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(err, "build upload request")
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")
	req.Header.Set("cache-control", "max-age=3600")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "upload %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", errors.Errorf("upload %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	io.Copy(io.Discard, resp.Body)

	return s.PublicURL(path), nil
}

// PublicURL returns the public URL of an object in the bucket.
func (s *Supabase) PublicURL(path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, escapePath(strings.TrimLeft(path, "/")))
}

func escapePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

var _ magreflow.AssetStore = (*Supabase)(nil)
