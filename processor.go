package magreflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Mode selects the processing strategy of a job.
type Mode string

const (
	// ModeReflow reconstructs a semantic content document.
	ModeReflow Mode = "reflow"

	// ModeInteractive renders page rasters with clickable hotspots.
	ModeInteractive Mode = "interactive"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeReflow:
		return ModeReflow, nil
	case ModeInteractive:
		return ModeInteractive, nil
	}
	return "", &ConfigError{Field: "mode", Reason: fmt.Sprintf("must be %q or %q, got %q", ModeReflow, ModeInteractive, s)}
}

// StatusProcessed is the status stored for a finished issue.
const StatusProcessed = "processed"

// JobConfig is the immutable per-job configuration supplied by the caller.
type JobConfig struct {
	IssueNumber     string     `json:"issue_number"`
	PublicationDate string     `json:"publication_date"`
	TableOfContents []TOCEntry `json:"table_of_contents"`
}

// Validate checks the required fields. It returns a *ConfigError.
func (c JobConfig) Validate() error {
	if strings.TrimSpace(c.IssueNumber) == "" {
		return &ConfigError{Field: "issue_number", Reason: "is required"}
	}
	if Slugify(c.IssueNumber) == "" {
		return &ConfigError{Field: "issue_number", Reason: "must contain at least one letter or digit"}
	}
	if strings.TrimSpace(c.PublicationDate) == "" {
		return &ConfigError{Field: "publication_date", Reason: "is required"}
	}
	if c.TableOfContents == nil {
		return &ConfigError{Field: "table_of_contents", Reason: "is required"}
	}
	for i, entry := range c.TableOfContents {
		field := fmt.Sprintf("table_of_contents[%d]", i)
		switch {
		case entry.Page < 1:
			return &ConfigError{Field: field + ".page", Reason: "must be >= 1"}
		case strings.TrimSpace(entry.Section) == "":
			return &ConfigError{Field: field + ".section", Reason: "is required"}
		case strings.TrimSpace(entry.Title) == "":
			return &ConfigError{Field: field + ".title", Reason: "is required"}
		}
	}
	return nil
}

// JobResult is returned by a successful job.
type JobResult struct {
	Status      string `json:"status"`
	Mode        Mode   `json:"mode"`
	Slug        string `json:"slug"`
	ContentURL  string `json:"content_url,omitempty"`
	ManifestURL string `json:"manifest_url,omitempty"`
	PageCount   int    `json:"page_count"`

	Metrics ProcessingMetrics `json:"-"`
}

// ContentPath is the asset path of an issue's reflow content document.
func ContentPath(slug string) string { return slug + "/content.json" }

// ManifestPath is the asset path of an issue's interactive manifest.
func ManifestPath(slug string) string { return slug + "/manifest.json" }

// PageImagePath is the asset path of an interactive page raster.
func PageImagePath(slug string, pageNumber int) string {
	return fmt.Sprintf("%s/page_%d.png", slug, pageNumber)
}

// Processor runs processing jobs. A Processor holds no per-job state and is
// safe for concurrent use when its collaborators are.
type Processor struct {
	engine  Engine
	source  Source
	assets  AssetStore
	catalog Catalog
	config  Config
	logger  *slog.Logger
}

// Option customises a Processor.
type Option func(*Processor)

// WithConfig replaces the default heuristic configuration.
func WithConfig(config Config) Option { return func(p *Processor) { p.config = config } }

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option { return func(p *Processor) { p.logger = logger } }

// NewProcessor creates a processor from its collaborators.
func NewProcessor(engine Engine, source Source, assets AssetStore, catalog Catalog, opts ...Option) *Processor {
	p := &Processor{
		engine:  engine,
		source:  source,
		assets:  assets,
		catalog: catalog,
		config:  DefaultConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the heuristic configuration in use.
func (p *Processor) Config() Config { return p.config }

// RunJob fetches the document, processes every page in order and persists
// the result. Any returned error aborts the whole job; assets uploaded
// before the failure are left in place and overwritten by a re-run.
func (p *Processor) RunJob(ctx context.Context, mode Mode, documentRef string, cfg JobConfig) (*JobResult, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := p.config.Validate(); err != nil {
		return nil, &ConfigError{Field: "heuristics", Reason: err.Error()}
	}

	slug := Slugify(cfg.IssueNumber)
	logger := p.logger.With("slug", slug, "mode", string(mode))
	logger.Info("processing job started", "document", documentRef, "toc_entries", len(cfg.TableOfContents))
	start := time.Now()

	data, err := p.source.Fetch(ctx, documentRef)
	if err != nil {
		return nil, &SourceError{Ref: documentRef, Err: err}
	}

	openStart := time.Now()
	doc, err := p.engine.Open(ctx, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open PDF document")
	}
	defer doc.Close()

	metrics := ProcessingMetrics{DocumentOpen: time.Since(openStart)}

	var result *JobResult
	switch mode {
	case ModeInteractive:
		result, err = p.runInteractive(ctx, doc, slug, cfg, &metrics, logger)
	default:
		result, err = p.runReflow(ctx, doc, slug, cfg, &metrics, logger)
	}
	if err != nil {
		logger.Error("processing job failed", "error", err)
		return nil, err
	}

	metrics.TotalTime = time.Since(start)
	result.Metrics = metrics
	if p.config.EnableMetricsLogging {
		logProcessingMetrics(logger, metrics)
	}
	logger.Info("processing job finished", "pages", result.PageCount, "duration", metrics.TotalTime.Round(time.Millisecond))
	return result, nil
}

func (p *Processor) runReflow(ctx context.Context, doc Document, slug string, cfg JobConfig, metrics *ProcessingMetrics, logger *slog.Logger) (*JobResult, error) {
	reconstructor := NewReconstructor(p.config, p.assets, logger)
	pageCount := doc.PageCount()

	issue := &Issue{
		IssueNumber:     cfg.IssueNumber,
		PublicationDate: cfg.PublicationDate,
		TableOfContents: cfg.TableOfContents,
		Pages:           make([]Page, 0, pageCount),
	}

	for i := 0; i < pageCount; i++ {
		page, stats, err := reconstructor.Reconstruct(ctx, doc, i, slug)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to reconstruct page %d", i+1)
		}
		issue.Pages = append(issue.Pages, *page)
		metrics.addPage(stats)

		logger.Debug("page reconstructed",
			"page", i+1, "of", pageCount,
			"elements", len(page.Content), "shadow_spans", stats.ShadowSpans,
			"groups", stats.Groups, "dropped_images", stats.DroppedImages)
	}

	body, err := json.MarshalIndent(issue, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode content document")
	}

	path := ContentPath(slug)
	url, err := p.assets.Upload(ctx, path, body, "application/json")
	if err == nil && url == "" {
		err = errors.New("upload returned no URL")
	}
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}

	if _, err := p.catalog.UpsertIssue(ctx, IssueRecord{
		Slug:            slug,
		IssueNumber:     cfg.IssueNumber,
		PublicationDate: cfg.PublicationDate,
		Mode:            ModeReflow,
		Status:          StatusProcessed,
		ContentURL:      url,
		PageCount:       pageCount,
	}); err != nil {
		return nil, &DatabaseError{Table: "issues", Err: err}
	}

	return &JobResult{
		Status:     "success",
		Mode:       ModeReflow,
		Slug:       slug,
		ContentURL: url,
		PageCount:  pageCount,
	}, nil
}
