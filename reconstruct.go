package magreflow

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// PageStats contains counts and timing for one reconstructed page.
type PageStats struct {
	PageNumber      int
	Blocks          int
	SkippedBlocks   int
	TextElements    int
	ShadowSpans     int
	Images          int
	DroppedImages   int
	Groups          int
	BackgroundLinks int
	PageColumns     int
	Duration        time.Duration
}

// Reconstructor turns the raw content of one page into an ordered element
// list.
type Reconstructor struct {
	config Config
	images *imageExtractor
	logger *slog.Logger
}

// NewReconstructor creates a page reconstructor that uploads image crops to
// assets.
func NewReconstructor(config Config, assets AssetStore, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{
		config: config,
		images: &imageExtractor{assets: assets, zoom: config.ImageZoom, logger: logger},
		logger: logger,
	}
}

// Reconstruct extracts and reconstructs the page at the 0-based index. An
// error from the engine while reading the page is returned; failures of a
// single block or image are logged and skipped.
func (r *Reconstructor) Reconstruct(ctx context.Context, doc Document, index int, slug string) (*Page, PageStats, error) {
	start := time.Now()

	content, err := doc.Page(ctx, index)
	if err != nil {
		return nil, PageStats{}, errors.Wrapf(err, "failed to read page %d", index+1)
	}

	page, stats := r.reconstructContent(ctx, doc, content, slug)
	stats.Duration = time.Since(start)
	return page, stats, nil
}

func (r *Reconstructor) reconstructContent(ctx context.Context, doc Document, content *PageContent, slug string) (*Page, PageStats) {
	stats := PageStats{
		PageNumber:  content.Number,
		Blocks:      len(content.Blocks),
		PageColumns: len(DetectPageColumns(content, r.config.PageColumnTolerance)),
	}

	cctx := classifyContext{
		pageNumber: content.Number,
		pageWidth:  content.Width,
		bodySize:   BodyFontSize(content.Blocks),
		config:     r.config,
	}

	var pool []Element
	for bi, block := range content.Blocks {
		texts, shadows, err := r.processBlock(block, bi, cctx)
		if err != nil {
			r.logger.Warn("could not process text block",
				"page", content.Number, "block", bi, "error", err)
			stats.SkippedBlocks++
			continue
		}
		stats.TextElements += len(texts)
		stats.ShadowSpans += shadows
		for _, el := range texts {
			pool = append(pool, el)
		}
	}

	uploaded, dropped := r.images.extract(ctx, doc, content, slug)
	stats.DroppedImages = dropped
	for _, el := range imageElements(uploaded) {
		pool = append(pool, el)
		stats.Images++
	}

	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].Base().BBox.Y0 < pool[j].Base().BBox.Y0
	})

	stats.Groups = GroupElements(pool, r.config.GroupMaxGap, r.config.GroupMinOverlap)
	stats.BackgroundLinks = LinkBackgrounds(pool)

	sort.SliceStable(pool, func(i, j int) bool {
		bi, bj := pool[i].Base(), pool[j].Base()
		if bi.BlockID != bj.BlockID {
			return bi.BlockID < bj.BlockID
		}
		return bi.BBox.Y0 < bj.BBox.Y0
	})

	if pool == nil {
		pool = []Element{}
	}
	return &Page{PageNumber: content.Number, Content: pool}, stats
}

// processBlock runs column detection, span classification and shadow
// detection over one block. A panic inside the block is returned as an
// error so the rest of the page still gets processed.
func (r *Reconstructor) processBlock(block TextBlock, index int, cctx classifyContext) (texts []*TextElement, shadows int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			texts, shadows = nil, 0
			err = errors.Errorf("panic while classifying block: %v", rec)
		}
	}()

	texts = classifyBlock(block, index, cctx)
	shadows = markBlockShadows(texts, r.config.ShadowOffset, r.config.ShadowBucketThreshold)
	return texts, shadows, nil
}
