package magreflow

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/klippa-app/go-pdfium"
	"github.com/klippa-app/go-pdfium/enums"
	"github.com/klippa-app/go-pdfium/references"
	"github.com/klippa-app/go-pdfium/requests"
	"github.com/klippa-app/go-pdfium/responses"
	"github.com/klippa-app/go-pdfium/webassembly"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
)

// PDFiumConfig sizes the WebAssembly instance pool.
type PDFiumConfig struct {
	MinIdle         int           `yaml:"min_idle"`
	MaxIdle         int           `yaml:"max_idle"`
	MaxTotal        int           `yaml:"max_total"`
	InstanceTimeout time.Duration `yaml:"instance_timeout"`
}

// DefaultPDFiumConfig returns a pool of up to two instances with a 30 second
// checkout timeout. An open document holds its instance until closed, so
// MaxTotal bounds how many issues can be processed at once.
func DefaultPDFiumConfig() PDFiumConfig {
	return PDFiumConfig{
		MinIdle:         1,
		MaxIdle:         2,
		MaxTotal:        2,
		InstanceTimeout: 30 * time.Second,
	}
}

// PDFiumEngine opens documents with pdfium. The pool is created on the first
// Open; each open document holds one instance until it is closed.
type PDFiumEngine struct {
	config PDFiumConfig
	logger *slog.Logger

	once sync.Once
	pool pdfium.Pool
	err  error
}

// NewPDFiumEngine creates an engine. No pdfium runtime is started until the
// first document is opened.
func NewPDFiumEngine(config PDFiumConfig, logger *slog.Logger) *PDFiumEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.InstanceTimeout <= 0 {
		config.InstanceTimeout = DefaultPDFiumConfig().InstanceTimeout
	}
	return &PDFiumEngine{config: config, logger: logger}
}

func (e *PDFiumEngine) initPool() {
	e.pool, e.err = webassembly.Init(webassembly.Config{
		MinIdle:  e.config.MinIdle,
		MaxIdle:  e.config.MaxIdle,
		MaxTotal: e.config.MaxTotal,
	})
}

// Open loads a PDF from memory.
func (e *PDFiumEngine) Open(ctx context.Context, data []byte) (Document, error) {
	e.once.Do(e.initPool)
	if e.err != nil {
		return nil, errors.Wrap(e.err, "failed to initialise pdfium")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	instance, err := e.pool.GetInstance(e.config.InstanceTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get pdfium instance")
	}

	doc, err := instance.OpenDocument(&requests.OpenDocument{
		File: &data,
	})
	if err != nil {
		instance.Close()
		return nil, errors.Wrap(err, "failed to open PDF document")
	}

	pageCount, err := instance.FPDF_GetPageCount(&requests.FPDF_GetPageCount{
		Document: doc.Document,
	})
	if err != nil {
		instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{Document: doc.Document})
		instance.Close()
		return nil, errors.Wrap(err, "failed to get page count")
	}

	return &pdfiumDocument{
		instance:  instance,
		doc:       doc.Document,
		pageCount: pageCount.PageCount,
		xrefs:     loadXRefTable(data, e.logger),

		cropOrigins: make(map[int]Point),
	}, nil
}

// Close shuts the instance pool down.
func (e *PDFiumEngine) Close() error {
	if e.pool == nil {
		return nil
	}
	return e.pool.Close()
}

type pageRender struct {
	index int
	zoom  float64
	img   *image.RGBA
	ratio float64
}

type pdfiumDocument struct {
	mu        sync.Mutex
	instance  pdfium.Pdfium
	doc       references.FPDF_DOCUMENT
	pageCount int
	xrefs     xrefTable

	// Crop box origins of extracted pages. Renders start at the crop box,
	// so clips are shifted by it.
	cropOrigins map[int]Point

	// Last full-page render, reused for image clips on the same page.
	render *pageRender
}

func (d *pdfiumDocument) PageCount() int { return d.pageCount }

func (d *pdfiumDocument) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.render = nil
	_, err := d.instance.FPDF_CloseDocument(&requests.FPDF_CloseDocument{
		Document: d.doc,
	})
	if cerr := d.instance.Close(); err == nil {
		err = cerr
	}
	return err
}

// Page extracts the text blocks, images and links of the page at the 0-based
// index.
func (d *pdfiumDocument) Page(ctx context.Context, index int) (*PageContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if index < 0 || index >= d.pageCount {
		return nil, errors.Errorf("page index %d out of range [0, %d)", index, d.pageCount)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pageResp, err := d.instance.FPDF_LoadPage(&requests.FPDF_LoadPage{
		Document: d.doc,
		Index:    index,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load page")
	}
	defer d.instance.FPDF_ClosePage(&requests.FPDF_ClosePage{
		Page: pageResp.Page,
	})
	page := pageResp.Page

	pageWidth, err := d.instance.FPDF_GetPageWidthF(&requests.FPDF_GetPageWidthF{
		Page: requests.Page{ByReference: &page},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get page width")
	}
	pageHeight, err := d.instance.FPDF_GetPageHeightF(&requests.FPDF_GetPageHeightF{
		Page: requests.Page{ByReference: &page},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get page height")
	}

	content := &PageContent{
		Number: index + 1,
		Width:  float64(pageWidth.PageWidth),
		Height: float64(pageHeight.PageHeight),
	}

	chars, err := d.extractChars(page, content.Height)
	if err != nil {
		return nil, err
	}
	content.Blocks = BuildBlocks(chars, content.Width)
	content.Images = d.extractImages(page, content.Number, content.Height)
	content.Links = d.extractLinks(page, content.Height)
	content.CropBox = d.cropBox(page, content.Width, content.Height)
	if content.CropBox != nil {
		d.cropOrigins[index] = Point{X: content.CropBox.X0, Y: content.CropBox.Y0}
	} else {
		delete(d.cropOrigins, index)
	}

	return content, nil
}

func (d *pdfiumDocument) extractChars(page references.FPDF_PAGE, pageHeight float64) ([]EnrichedChar, error) {
	textPage, err := d.instance.FPDFText_LoadPage(&requests.FPDFText_LoadPage{
		Page: requests.Page{ByReference: &page},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load text page")
	}
	defer d.instance.FPDFText_ClosePage(&requests.FPDFText_ClosePage{
		TextPage: textPage.TextPage,
	})

	charCount, err := d.instance.FPDFText_CountChars(&requests.FPDFText_CountChars{
		TextPage: textPage.TextPage,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to count characters")
	}

	return extractEnrichedChars(d.instance, textPage.TextPage, charCount.Count, pageHeight), nil
}

// extractEnrichedChars reads every character of a text page with its box,
// font and fill colour. Characters pdfium cannot describe are skipped.
func extractEnrichedChars(instance pdfium.Pdfium, textPage references.FPDF_TEXTPAGE, count int, pageHeight float64) []EnrichedChar {
	chars := make([]EnrichedChar, 0, count)

	for i := range count {
		unicodeRes, err := instance.FPDFText_GetUnicode(&requests.FPDFText_GetUnicode{
			TextPage: textPage,
			Index:    i,
		})
		if err != nil || unicodeRes.Unicode == 0 {
			continue
		}

		charBox, err := instance.FPDFText_GetCharBox(&requests.FPDFText_GetCharBox{
			TextPage: textPage,
			Index:    i,
		})
		if err != nil {
			continue
		}

		// PDF coordinates have a bottom-left origin
		box := Rect{
			X0: charBox.Left,
			Y0: pageHeight - charBox.Top,
			X1: charBox.Right,
			Y1: pageHeight - charBox.Bottom,
		}

		fontSizeVal := 12.0
		if fontSize, err := instance.FPDFText_GetFontSize(&requests.FPDFText_GetFontSize{
			TextPage: textPage,
			Index:    i,
		}); err == nil {
			fontSizeVal = fontSize.FontSize
		}

		fontNameVal := ""
		if fontInfo, err := instance.FPDFText_GetFontInfo(&requests.FPDFText_GetFontInfo{
			TextPage: textPage,
			Index:    i,
		}); err == nil {
			fontNameVal = fontInfo.FontName
		}

		fillColorVal := RGBA{A: 255}
		if fillColor, err := instance.FPDFText_GetFillColor(&requests.FPDFText_GetFillColor{
			TextPage: textPage,
			Index:    i,
		}); err == nil {
			fillColorVal = RGBA{R: fillColor.R, G: fillColor.G, B: fillColor.B, A: fillColor.A}
		}

		angleVal := float32(0)
		if angle, err := instance.FPDFText_GetCharAngle(&requests.FPDFText_GetCharAngle{
			TextPage: textPage,
			Index:    i,
		}); err == nil {
			angleVal = angle.CharAngle
		}

		chars = append(chars, EnrichedChar{
			Text:      rune(unicodeRes.Unicode),
			Box:       box,
			FontSize:  fontSizeVal,
			FontName:  fontNameVal,
			FillColor: fillColorVal,
			Angle:     angleVal,
		})
	}

	return chars
}

// extractImages lists the image objects placed directly on the page in
// content order.
func (d *pdfiumDocument) extractImages(page references.FPDF_PAGE, pageNumber int, pageHeight float64) []ImageRef {
	countResp, err := d.instance.FPDFPage_CountObjects(&requests.FPDFPage_CountObjects{
		Page: requests.Page{ByReference: &page},
	})
	if err != nil {
		return nil
	}

	var boxes []Rect
	for i := 0; i < countResp.Count; i++ {
		objResp, err := d.instance.FPDFPage_GetObject(&requests.FPDFPage_GetObject{
			Page:  requests.Page{ByReference: &page},
			Index: i,
		})
		if err != nil {
			continue
		}

		typeResp, err := d.instance.FPDFPageObj_GetType(&requests.FPDFPageObj_GetType{
			PageObject: objResp.PageObject,
		})
		if err != nil || typeResp.Type != enums.FPDF_PAGEOBJ_IMAGE {
			continue
		}

		boundsResp, err := d.instance.FPDFPageObj_GetBounds(&requests.FPDFPageObj_GetBounds{
			PageObject: objResp.PageObject,
		})
		if err != nil {
			continue
		}

		boxes = append(boxes, Rect{
			X0: float64(boundsResp.Left),
			Y0: pageHeight - float64(boundsResp.Top),
			X1: float64(boundsResp.Right),
			Y1: pageHeight - float64(boundsResp.Bottom),
		})
	}

	ids := d.xrefs.resolve(pageNumber, len(boxes))
	images := make([]ImageRef, 0, len(boxes))
	for i, box := range boxes {
		images = append(images, ImageRef{XRef: ids[i], BBox: box})
	}
	return images
}

// extractLinks returns the URI link annotations of the page. Links with any
// other action are ignored.
func (d *pdfiumDocument) extractLinks(page references.FPDF_PAGE, pageHeight float64) []LinkRef {
	var links []LinkRef

	startPos := 0
	for {
		enumResp, err := d.instance.FPDFLink_Enumerate(&requests.FPDFLink_Enumerate{
			Page:     requests.Page{ByReference: &page},
			StartPos: startPos,
		})
		if err != nil || enumResp.Link == nil {
			break
		}

		if link, ok := d.uriLink(*enumResp.Link, pageHeight); ok {
			links = append(links, link)
		}

		if enumResp.NextStartPos == nil || *enumResp.NextStartPos <= startPos {
			break
		}
		startPos = *enumResp.NextStartPos
	}

	return links
}

func (d *pdfiumDocument) uriLink(link references.FPDF_LINK, pageHeight float64) (LinkRef, bool) {
	actionResp, err := d.instance.FPDFLink_GetAction(&requests.FPDFLink_GetAction{
		Link: link,
	})
	if err != nil || actionResp.Action == nil {
		return LinkRef{}, false
	}

	uriResp, err := d.instance.FPDFAction_GetURIPath(&requests.FPDFAction_GetURIPath{
		Document: d.doc,
		Action:   *actionResp.Action,
	})
	if err != nil {
		return LinkRef{}, false
	}
	uri, ok := actionURI(uriResp)
	if !ok {
		return LinkRef{}, false
	}

	rectResp, err := d.instance.FPDFLink_GetAnnotRect(&requests.FPDFLink_GetAnnotRect{
		Link: link,
	})
	if err != nil || rectResp.Rect == nil {
		return LinkRef{}, false
	}

	return LinkRef{
		URI: uri,
		BBox: Rect{
			X0: float64(rectResp.Rect.Left),
			Y0: pageHeight - float64(rectResp.Rect.Top),
			X1: float64(rectResp.Rect.Right),
			Y1: pageHeight - float64(rectResp.Rect.Bottom),
		}.Normalize(),
	}, true
}

// actionURI returns the target of a URI action. pdfium reports a nil path for
// actions of other kinds.
func actionURI(resp *responses.FPDFAction_GetURIPath) (string, bool) {
	if resp == nil || resp.URIPath == nil || *resp.URIPath == "" {
		return "", false
	}
	return *resp.URIPath, true
}

// cropBox returns the page crop box, or nil when the page has none or it
// covers the whole page.
func (d *pdfiumDocument) cropBox(page references.FPDF_PAGE, pageWidth, pageHeight float64) *Rect {
	resp, err := d.instance.FPDFPage_GetCropBox(&requests.FPDFPage_GetCropBox{
		Page: requests.Page{ByReference: &page},
	})
	if err != nil {
		return nil
	}

	box := Rect{
		X0: float64(resp.Left),
		Y0: pageHeight - float64(resp.Top),
		X1: float64(resp.Right),
		Y1: pageHeight - float64(resp.Bottom),
	}.Normalize()
	if box.IsEmpty() || box == (Rect{X1: pageWidth, Y1: pageHeight}) {
		return nil
	}
	return &box
}

// Render rasterises the page at the given zoom (1.0 = 72 DPI) and encodes it
// as PNG. A non-nil clip is cut out of the cached full-page render.
func (d *pdfiumDocument) Render(ctx context.Context, index int, clip *Rect, zoom float64) (*Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if zoom <= 0 {
		return nil, errors.Errorf("invalid zoom %v", zoom)
	}

	d.mu.Lock()
	render, err := d.renderPage(index, zoom)
	origin := d.cropOrigins[index]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var img image.Image = render.img
	if clip != nil {
		img, err = cropImage(render.img, *clip, origin, render.ratio)
		if err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "failed to encode PNG")
	}
	bounds := img.Bounds()
	return &Raster{PNG: buf.Bytes(), Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

func (d *pdfiumDocument) renderPage(index int, zoom float64) (*pageRender, error) {
	if d.render != nil && d.render.index == index && d.render.zoom == zoom {
		return d.render, nil
	}

	resp, err := d.instance.RenderPageInDPI(&requests.RenderPageInDPI{
		Page: requests.Page{
			ByIndex: &requests.PageByIndex{
				Document: d.doc,
				Index:    index,
			},
		},
		DPI: int(math.Round(72 * zoom)),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to render page %d", index+1)
	}
	defer resp.Cleanup()

	// The rendered buffer is released by Cleanup, so keep a copy.
	src := resp.Result.Image
	img := image.NewRGBA(src.Bounds())
	draw.Draw(img, img.Bounds(), src, src.Bounds().Min, draw.Src)

	ratio := resp.Result.PointToPixelRatio
	if ratio <= 0 {
		ratio = zoom
	}
	d.render = &pageRender{index: index, zoom: zoom, img: img, ratio: ratio}
	return d.render, nil
}

// cropImage copies the pixels under clip (in page points) out of a render
// whose top-left corner sits at origin.
func cropImage(page *image.RGBA, clip Rect, origin Point, ratio float64) (*image.RGBA, error) {
	clip = clip.Normalize()
	r := image.Rect(
		int(math.Floor((clip.X0-origin.X)*ratio)),
		int(math.Floor((clip.Y0-origin.Y)*ratio)),
		int(math.Ceil((clip.X1-origin.X)*ratio)),
		int(math.Ceil((clip.Y1-origin.Y)*ratio)),
	).Add(page.Bounds().Min).Intersect(page.Bounds())
	if r.Empty() {
		return nil, errors.Errorf("clip %v lies outside the page", clip)
	}

	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(out, out.Bounds(), page, r.Min, draw.Src)
	return out, nil
}
