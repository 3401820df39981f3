package magreflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Manifest is the interactive-mode artifact: page rasters with hotspots.
type Manifest struct {
	IssueNumber     string         `json:"issue_number"`
	PublicationDate string         `json:"publication_date"`
	TableOfContents []TOCEntry     `json:"table_of_contents"`
	Pages           []ManifestPage `json:"pages"`
}

// ManifestPage is one rendered page of the manifest.
type ManifestPage struct {
	PageNum         int              `json:"page_num"`
	ImageURL        string           `json:"image_url"`
	Width           int              `json:"width"`
	Height          int              `json:"height"`
	CropBox         *Rect            `json:"crop_box,omitempty"`
	Hotspots        []LinkHotspot    `json:"hotspots"`
	ElementHotspots []ElementHotspot `json:"element_hotspots"`
}

// LinkHotspot is a clickable URI region of a page.
type LinkHotspot struct {
	Type string `json:"type"`
	URI  string `json:"uri"`
	BBox Rect   `json:"bbox"`
}

// ElementHotspot is an extracted text block or image crop on a page.
type ElementHotspot struct {
	Type    ElementType `json:"type"`
	BBox    Rect        `json:"bbox"`
	Content string      `json:"content,omitempty"`
	Src     string      `json:"src,omitempty"`
}

// BlockText joins the spans of a block the way it reads. Spans on the same
// line are concatenated, with a space only where the glyphs leave a visible
// gap; lines are separated by a single space.
func BlockText(block TextBlock) string {
	var b strings.Builder
	for i, span := range block.Spans {
		if i > 0 {
			prev := block.Spans[i-1]
			if !sameLine(prev.BBox, span.BBox) || span.BBox.X0-prev.BBox.X1 > 0.1*span.FontSize {
				b.WriteByte(' ')
			}
		}
		b.WriteString(span.Text)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// sameLine reports whether two boxes overlap vertically by more than half
// of the shorter height.
func sameLine(a, b Rect) bool {
	overlap := min(a.Y1, b.Y1) - max(a.Y0, b.Y0)
	shorter := min(a.Height(), b.Height())
	if shorter <= 0 {
		return a.Y0 == b.Y0
	}
	return overlap > shorter*0.5
}

func (p *Processor) runInteractive(ctx context.Context, doc Document, slug string, cfg JobConfig, metrics *ProcessingMetrics, logger *slog.Logger) (*JobResult, error) {
	images := &imageExtractor{assets: p.assets, zoom: p.config.ImageZoom, logger: logger}
	pageCount := doc.PageCount()

	manifest := &Manifest{
		IssueNumber:     cfg.IssueNumber,
		PublicationDate: cfg.PublicationDate,
		TableOfContents: cfg.TableOfContents,
		Pages:           make([]ManifestPage, 0, pageCount),
	}

	for i := 0; i < pageCount; i++ {
		start := time.Now()

		content, err := doc.Page(ctx, i)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read page %d", i+1)
		}

		raster, err := doc.Render(ctx, i, nil, p.config.PageZoom)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to render page %d", i+1)
		}

		imagePath := PageImagePath(slug, content.Number)
		imageURL, err := p.assets.Upload(ctx, imagePath, raster.PNG, "image/png")
		if err != nil {
			logger.Warn("page image upload failed", "page", content.Number, "path", imagePath, "error", err)
			imageURL = ""
		}

		mp := ManifestPage{
			PageNum:         content.Number,
			ImageURL:        imageURL,
			Width:           raster.Width,
			Height:          raster.Height,
			CropBox:         content.CropBox,
			Hotspots:        []LinkHotspot{},
			ElementHotspots: []ElementHotspot{},
		}

		for _, link := range content.Links {
			if link.URI == "" {
				continue
			}
			mp.Hotspots = append(mp.Hotspots, LinkHotspot{Type: "url", URI: link.URI, BBox: link.BBox})
		}

		for _, block := range content.Blocks {
			text := BlockText(block)
			if text == "" {
				continue
			}
			mp.ElementHotspots = append(mp.ElementHotspots, ElementHotspot{
				Type:    ElementText,
				BBox:    block.BBox,
				Content: text,
			})
		}

		uploaded, dropped := images.extract(ctx, doc, content, slug)
		for _, img := range uploaded {
			mp.ElementHotspots = append(mp.ElementHotspots, ElementHotspot{
				Type: ElementImage,
				BBox: img.ref.BBox,
				Src:  img.url,
			})
		}

		manifest.Pages = append(manifest.Pages, mp)
		metrics.addPage(PageStats{
			PageNumber:    content.Number,
			Blocks:        len(content.Blocks),
			Images:        len(uploaded),
			DroppedImages: dropped,
			Duration:      time.Since(start),
		})
		metrics.Statistics.Hotspots += len(mp.Hotspots) + len(mp.ElementHotspots)

		logger.Debug("page rendered",
			"page", content.Number, "of", pageCount,
			"hotspots", len(mp.Hotspots), "element_hotspots", len(mp.ElementHotspots))
	}

	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode manifest")
	}

	path := ManifestPath(slug)
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
		Mode:            ModeInteractive,
		Status:          StatusProcessed,
		ContentURL:      url,
		PageCount:       pageCount,
	}); err != nil {
		return nil, &DatabaseError{Table: "issues", Err: err}
	}

	for _, mp := range manifest.Pages {
		if _, err := p.catalog.UpsertPage(ctx, PageRecord{
			IssueSlug:  slug,
			PageNumber: mp.PageNum,
			ImageURL:   mp.ImageURL,
			Width:      mp.Width,
			Height:     mp.Height,
		}); err != nil {
			return nil, &DatabaseError{Table: "pages", Err: err}
		}
	}

	return &JobResult{
		Status:      "success",
		Mode:        ModeInteractive,
		Slug:        slug,
		ManifestURL: url,
		PageCount:   pageCount,
	}, nil
}
