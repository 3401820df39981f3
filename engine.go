package magreflow

import "context"

// Engine opens PDF documents.
type Engine interface {
	Open(ctx context.Context, data []byte) (Document, error)
}

// Document is an open PDF. Implementations need not be safe for concurrent
// use; a job owns its document.
type Document interface {
	// PageCount returns the number of pages.
	PageCount() int

	// Page extracts positioned spans, images and links of the page at the
	// 0-based index.
	Page(ctx context.Context, index int) (*PageContent, error)

	// Render rasterizes the page at the 0-based index, limited to clip when
	// it is non-nil, at the given zoom (1 = 72 DPI).
	Render(ctx context.Context, index int, clip *Rect, zoom float64) (*Raster, error)

	Close() error
}

// Source fetches source documents by reference.
type Source interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// AssetStore persists job assets. Uploads overwrite whatever is stored at
// path and return the public URL.
type AssetStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// IssueRecord is the summary row of a processed issue.
type IssueRecord struct {
	ID              int64
	Slug            string
	IssueNumber     string
	PublicationDate string
	Mode            Mode
	Status          string
	ContentURL      string
	PageCount       int
}

// PageRecord is the per-page row written in interactive mode.
type PageRecord struct {
	ID         int64
	IssueSlug  string
	PageNumber int
	ImageURL   string
	Width      int
	Height     int
}

// Catalog is the relational store of processed issues.
type Catalog interface {
	// UpsertIssue inserts or replaces the row keyed by Slug.
	UpsertIssue(ctx context.Context, rec IssueRecord) (IssueRecord, error)

	// UpsertPage inserts or replaces the row keyed by (IssueSlug, PageNumber).
	UpsertPage(ctx context.Context, rec PageRecord) (PageRecord, error)
}
