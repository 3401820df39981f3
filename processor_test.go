package magreflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	data  []byte
	err   error
	calls int
}

func (s *fakeSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

type fakeDocument struct {
	pages    []*PageContent
	pageErr  map[int]error
	failClip *Rect
	renders  int
	closed   bool
}

func (d *fakeDocument) PageCount() int { return len(d.pages) }

func (d *fakeDocument) Page(ctx context.Context, index int) (*PageContent, error) {
	if err := d.pageErr[index]; err != nil {
		return nil, err
	}
	return d.pages[index], nil
}

func (d *fakeDocument) Render(ctx context.Context, index int, clip *Rect, zoom float64) (*Raster, error) {
	d.renders++
	if clip != nil && d.failClip != nil && *clip == *d.failClip {
		return nil, errors.New("render failed")
	}
	page := d.pages[index]
	if clip == nil {
		return &Raster{
			PNG:    []byte(fmt.Sprintf("page-%d", page.Number)),
			Width:  int(page.Width * zoom),
			Height: int(page.Height * zoom),
		}, nil
	}
	return &Raster{
		PNG:    []byte(fmt.Sprintf("clip-%d-%v", page.Number, *clip)),
		Width:  int(clip.Width() * zoom),
		Height: int(clip.Height() * zoom),
	}, nil
}

func (d *fakeDocument) Close() error {
	d.closed = true
	return nil
}

type fakeEngine struct {
	doc *fakeDocument
	err error
}

func (e *fakeEngine) Open(ctx context.Context, data []byte) (Document, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.doc, nil
}

type fakeAssets struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]int
	fail    map[string]error
}

func newFakeAssets() *fakeAssets {
	return &fakeAssets{
		objects: make(map[string][]byte),
		uploads: make(map[string]int),
		fail:    make(map[string]error),
	}
}

func (a *fakeAssets) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail[path]; err != nil {
		return "", err
	}
	a.objects[path] = append([]byte(nil), data...)
	a.uploads[path]++
	return "https://cdn.test/" + path, nil
}

type fakeCatalog struct {
	issues   map[string]IssueRecord
	pages    map[string]PageRecord
	nextID   int64
	writes   int
	issueErr error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{issues: make(map[string]IssueRecord), pages: make(map[string]PageRecord)}
}

func (c *fakeCatalog) UpsertIssue(ctx context.Context, rec IssueRecord) (IssueRecord, error) {
	if c.issueErr != nil {
		return IssueRecord{}, c.issueErr
	}
	c.writes++
	if existing, ok := c.issues[rec.Slug]; ok {
		rec.ID = existing.ID
	} else {
		c.nextID++
		rec.ID = c.nextID
	}
	c.issues[rec.Slug] = rec
	return rec, nil
}

func (c *fakeCatalog) UpsertPage(ctx context.Context, rec PageRecord) (PageRecord, error) {
	c.writes++
	key := fmt.Sprintf("%s/%d", rec.IssueSlug, rec.PageNumber)
	if existing, ok := c.pages[key]; ok {
		rec.ID = existing.ID
	} else {
		c.nextID++
		rec.ID = c.nextID
	}
	c.pages[key] = rec
	return rec, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJobConfig() JobConfig {
	return JobConfig{
		IssueNumber:     "Issue 42",
		PublicationDate: "2024-05-01",
		TableOfContents: []TOCEntry{{Page: 1, Section: "Cover", Title: "Spring"}},
	}
}

// helloPage has one block holding a "Hello" span and its overprinted copy.
func helloPage() *PageContent {
	return &PageContent{
		Number: 1,
		Width:  600,
		Height: 800,
		Blocks: []TextBlock{{
			BBox: box(10, 10, 100, 30),
			Spans: []Span{
				{BBox: box(10, 10, 100, 20), Origin: Point{X: 10, Y: 18}, Text: "Hello", FontSize: 10, FontName: "Helvetica"},
				{BBox: box(10, 20, 100, 30), Origin: Point{X: 10.6, Y: 18.8}, Text: "Hello", FontSize: 10, FontName: "Helvetica", Color: 0xFFFFFF},
			},
		}},
	}
}

type harness struct {
	source  *fakeSource
	doc     *fakeDocument
	assets  *fakeAssets
	catalog *fakeCatalog
	proc    *Processor
}

func newHarness(pages ...*PageContent) *harness {
	h := &harness{
		source:  &fakeSource{data: []byte("%PDF-1.7")},
		doc:     &fakeDocument{pages: pages},
		assets:  newFakeAssets(),
		catalog: newFakeCatalog(),
	}
	h.proc = NewProcessor(&fakeEngine{doc: h.doc}, h.source, h.assets, h.catalog, WithLogger(quietLogger()))
	return h
}

func (h *harness) content(t *testing.T) Issue {
	t.Helper()
	data, ok := h.assets.objects["issue-42/content.json"]
	require.True(t, ok, "content document not uploaded")
	var issue Issue
	require.NoError(t, json.Unmarshal(data, &issue))
	return issue
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode(" Interactive ")
	require.NoError(t, err)
	assert.Equal(t, ModeInteractive, mode)

	_, err = ParseMode("markdown")
	assert.True(t, IsConfigError(err))
	assert.True(t, errors.Is(err, ErrInvalidConfig))
}

func TestJobConfig_Validate(t *testing.T) {
	require.NoError(t, testJobConfig().Validate())

	empty := testJobConfig()
	empty.TableOfContents = []TOCEntry{}
	require.NoError(t, empty.Validate())

	tests := map[string]func(*JobConfig){
		"missing issue":       func(c *JobConfig) { c.IssueNumber = " " },
		"issue without slug":  func(c *JobConfig) { c.IssueNumber = "###" },
		"missing date":        func(c *JobConfig) { c.PublicationDate = "" },
		"missing toc":         func(c *JobConfig) { c.TableOfContents = nil },
		"toc page below one":  func(c *JobConfig) { c.TableOfContents[0].Page = 0 },
		"toc without title":   func(c *JobConfig) { c.TableOfContents[0].Title = "" },
		"toc without section": func(c *JobConfig) { c.TableOfContents[0].Section = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testJobConfig()
			mutate(&cfg)
			assert.True(t, IsConfigError(cfg.Validate()))
		})
	}
}

func TestAssetPaths(t *testing.T) {
	assert.Equal(t, "issue-42/content.json", ContentPath("issue-42"))
	assert.Equal(t, "issue-42/manifest.json", ManifestPath("issue-42"))
	assert.Equal(t, "issue-42/page_3.png", PageImagePath("issue-42", 3))
	assert.Equal(t, "issue-42/elements/element_page_3_xref_17.png", ImageAssetPath("issue-42", 3, 17))
}

func TestRunJob_ReflowHello(t *testing.T) {
	h := newHarness(helloPage())

	result, err := h.proc.RunJob(context.Background(), ModeReflow, "file.pdf", testJobConfig())
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, "issue-42", result.Slug)
	assert.Equal(t, "https://cdn.test/issue-42/content.json", result.ContentURL)
	assert.Equal(t, 1, result.PageCount)
	assert.True(t, h.doc.closed)

	issue := h.content(t)
	assert.Equal(t, "Issue 42", issue.IssueNumber)
	assert.Equal(t, "2024-05-01", issue.PublicationDate)
	assert.Equal(t, testJobConfig().TableOfContents, issue.TableOfContents)
	require.Len(t, issue.Pages, 1)
	require.Len(t, issue.Pages[0].Content, 2)

	a, ok := issue.Pages[0].Content[0].(*TextElement)
	require.True(t, ok)
	b, ok := issue.Pages[0].Content[1].(*TextElement)
	require.True(t, ok)

	assert.Equal(t, "p001-b000-s000", a.ID)
	assert.False(t, a.ReflowHints.IsShadowText)
	assert.Equal(t, "p001-b000-s001", b.ID)
	assert.True(t, b.ReflowHints.IsShadowText)
	assert.Equal(t, "#ffffff", b.FontInfo.ColorHex)

	// the two stacked spans are regrouped into one reading block
	assert.Equal(t, "p001-b000-g01", a.BlockID)
	assert.Equal(t, a.BlockID, b.BlockID)

	rec := h.catalog.issues["issue-42"]
	assert.Equal(t, StatusProcessed, rec.Status)
	assert.Equal(t, ModeReflow, rec.Mode)
	assert.Equal(t, result.ContentURL, rec.ContentURL)
	assert.Equal(t, 1, rec.PageCount)

	assert.Equal(t, 1, result.Metrics.Statistics.ShadowSpans)
	assert.Equal(t, 2, result.Metrics.Statistics.TextElements)
}

func TestRunJob_ReflowIsIdempotent(t *testing.T) {
	h := newHarness(helloPage())

	first, err := h.proc.RunJob(context.Background(), ModeReflow, "file.pdf", testJobConfig())
	require.NoError(t, err)
	firstContent := h.assets.objects["issue-42/content.json"]
	firstID := h.catalog.issues["issue-42"].ID

	second, err := h.proc.RunJob(context.Background(), ModeReflow, "file.pdf", testJobConfig())
	require.NoError(t, err)

	assert.Equal(t, first.ContentURL, second.ContentURL)
	assert.Equal(t, firstContent, h.assets.objects["issue-42/content.json"])
	assert.Equal(t, 2, h.assets.uploads["issue-42/content.json"])
	assert.Len(t, h.catalog.issues, 1)
	assert.Equal(t, firstID, h.catalog.issues["issue-42"].ID)
}

func TestRunJob_ReflowImages(t *testing.T) {
	page := helloPage()
	page.Images = []ImageRef{
		{XRef: 12, BBox: box(0, 0, 600, 800)},
		{XRef: 0, BBox: box(10, 10, 20, 20)},
		{XRef: 12, BBox: box(300, 400, 500, 600)},
		{XRef: 7, BBox: box(50, 500, 250, 700)},
	}
	h := newHarness(page)
	h.doc.failClip = &Rect{X0: 50, Y0: 500, X1: 250, Y1: 700}

	result, err := h.proc.RunJob(context.Background(), ModeReflow, "file.pdf", testJobConfig())
	require.NoError(t, err)

	// xref 12 is rendered and uploaded once, xref 7 fails and is dropped
	assert.Equal(t, 1, h.assets.uploads["issue-42/elements/element_page_1_xref_12.png"])
	assert.NotContains(t, h.assets.uploads, "issue-42/elements/element_page_1_xref_7.png")
	assert.Equal(t, 1, result.Metrics.Statistics.DroppedImages)
	assert.Equal(t, 2, result.Metrics.Statistics.Images)

	issue := h.content(t)
	var images []*ImageElement
	var texts []*TextElement
	for _, el := range issue.Pages[0].Content {
		switch v := el.(type) {
		case *ImageElement:
			images = append(images, v)
		case *TextElement:
			texts = append(texts, v)
		}
	}
	require.Len(t, images, 2)
	require.Len(t, texts, 2)

	ids := []string{images[0].ID, images[1].ID}
	assert.ElementsMatch(t, []string{"p001-x12", "p001-x12-2"}, ids)
	for _, img := range images {
		assert.Equal(t, "https://cdn.test/issue-42/elements/element_page_1_xref_12.png", img.Src)
	}

	// the full-page image sits behind the text
	for _, text := range texts {
		require.NotNil(t, text.ReflowHints.BackgroundImageID)
		assert.Equal(t, "p001-x12", *text.ReflowHints.BackgroundImageID)
	}
	for _, img := range images {
		if img.ID == "p001-x12" {
			require.NotNil(t, img.ReflowHints.IsBackground)
			assert.True(t, *img.ReflowHints.IsBackground)
		}
	}
}

func TestRunJob_EmptyPage(t *testing.T) {
	h := newHarness(&PageContent{Number: 1, Width: 600, Height: 800})

	_, err := h.proc.RunJob(context.Background(), ModeReflow, "file.pdf", testJobConfig())
	require.NoError(t, err)

	issue := h.content(t)
	require.Len(t, issue.Pages, 1)
	assert.NotNil(t, issue.Pages[0].Content)
	assert.Empty(t, issue.Pages[0].Content)
	assert.Contains(t, string(h.assets.objects["issue-42/content.json"]), `"content": []`)
}

func TestRunJob_InvalidConfigFetchesNothing(t *testing.T) {
	h := newHarness(helloPage())
	cfg := testJobConfig()
	cfg.IssueNumber = ""

	_, err := h.proc.RunJob(context.Background(), ModeReflow, "file.pdf", cfg)
	assert.True(t, IsConfigError(err))
	assert.Equal(t, 0, h.source.calls)

	_, err = h.proc.RunJob(context.Background(), Mode("pdf"), "file.pdf", testJobConfig())
	assert.True(t, IsConfigError(err))
	assert.Equal(t, 0, h.source.calls)
}

func TestRunJob_SourceError(t *testing.T) {
	h := newHarness(helloPage())
	h.source.err = errors.Wrap(ErrDocumentNotFound, "drive")

	_, err := h.proc.RunJob(context.Background(), ModeReflow, "missing", testJobConfig())
	require.Error(t, err)
	assert.True(t, IsSourceError(err))
	assert.True(t, errors.Is(err, ErrDocumentNotFound))
	assert.Empty(t, h.assets.objects)
	assert.Equal(t, 0, h.catalog.writes)
}

func TestRunJob_PageFailureAbortsJob(t *testing.T) {
	h := newHarness(helloPage(), helloPage())
	h.doc.pageErr = map[int]error{1: errors.New("corrupt page")}

	_, err := h.proc.RunJob(context.Background(), ModeReflow, "file.pdf", testJobConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt page")
	assert.NotContains(t, h.assets.objects, "issue-42/content.json")
	assert.Equal(t, 0, h.catalog.writes)
	assert.True(t, h.doc.closed)
}

func TestRunJob_PersistenceErrorSkipsCatalog(t *testing.T) {
	h := newHarness(helloPage())
	h.assets.fail["issue-42/content.json"] = errors.New("bucket unavailable")

	_, err := h.proc.RunJob(context.Background(), ModeReflow, "file.pdf", testJobConfig())
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
	assert.Equal(t, 0, h.catalog.writes)
}

func TestRunJob_DatabaseError(t *testing.T) {
	h := newHarness(helloPage())
	h.catalog.issueErr = errors.New("connection refused")

	_, err := h.proc.RunJob(context.Background(), ModeReflow, "file.pdf", testJobConfig())
	require.Error(t, err)
	assert.True(t, IsDatabaseError(err))
	// the artifact stays uploaded
	assert.Contains(t, h.assets.objects, "issue-42/content.json")
}

func TestRunJob_Interactive(t *testing.T) {
	first := helloPage()
	first.CropBox = &Rect{X0: 9, Y0: 9, X1: 591, Y1: 791}
	first.Links = []LinkRef{
		{URI: "https://example.com/subscribe", BBox: box(400, 700, 580, 720)},
		{URI: "", BBox: box(0, 0, 10, 10)},
	}
	first.Images = []ImageRef{{XRef: 5, BBox: box(300, 100, 500, 300)}}
	second := &PageContent{Number: 2, Width: 600, Height: 800}

	h := newHarness(first, second)
	h.assets.fail["issue-42/page_2.png"] = errors.New("timeout")

	result, err := h.proc.RunJob(context.Background(), ModeInteractive, "file.pdf", testJobConfig())
	require.NoError(t, err)
	assert.Equal(t, "success", result.Status)
	assert.Equal(t, ModeInteractive, result.Mode)
	assert.Equal(t, "https://cdn.test/issue-42/manifest.json", result.ManifestURL)
	assert.Empty(t, result.ContentURL)

	var manifest Manifest
	require.NoError(t, json.Unmarshal(h.assets.objects["issue-42/manifest.json"], &manifest))
	assert.Equal(t, "Issue 42", manifest.IssueNumber)
	require.Len(t, manifest.Pages, 2)

	p1 := manifest.Pages[0]
	assert.Equal(t, 1, p1.PageNum)
	assert.Equal(t, "https://cdn.test/issue-42/page_1.png", p1.ImageURL)
	assert.Equal(t, 1200, p1.Width)
	assert.Equal(t, 1600, p1.Height)
	require.NotNil(t, p1.CropBox)
	assert.Equal(t, *first.CropBox, *p1.CropBox)
	require.Len(t, p1.Hotspots, 1)
	assert.Equal(t, LinkHotspot{Type: "url", URI: "https://example.com/subscribe", BBox: box(400, 700, 580, 720)}, p1.Hotspots[0])

	require.Len(t, p1.ElementHotspots, 2)
	assert.Equal(t, ElementHotspot{Type: ElementText, BBox: box(10, 10, 100, 30), Content: "Hello Hello"}, p1.ElementHotspots[0])
	assert.Equal(t, ElementImage, p1.ElementHotspots[1].Type)
	assert.Equal(t, "https://cdn.test/issue-42/elements/element_page_1_xref_5.png", p1.ElementHotspots[1].Src)

	// a failed page raster upload leaves the page without an image
	p2 := manifest.Pages[1]
	assert.Equal(t, "", p2.ImageURL)
	assert.NotNil(t, p2.Hotspots)
	assert.NotNil(t, p2.ElementHotspots)
	assert.Nil(t, p2.CropBox)

	rec := h.catalog.issues["issue-42"]
	assert.Equal(t, ModeInteractive, rec.Mode)
	assert.Equal(t, result.ManifestURL, rec.ContentURL)
	assert.Equal(t, 2, rec.PageCount)
	require.Len(t, h.catalog.pages, 2)
	assert.Equal(t, "https://cdn.test/issue-42/page_1.png", h.catalog.pages["issue-42/1"].ImageURL)
	assert.Equal(t, 1200, h.catalog.pages["issue-42/1"].Width)
	assert.Equal(t, "", h.catalog.pages["issue-42/2"].ImageURL)

	assert.Equal(t, 3, result.Metrics.Statistics.Hotspots)
}

func TestRunJob_InteractivePersistenceError(t *testing.T) {
	h := newHarness(helloPage())
	h.assets.fail["issue-42/manifest.json"] = errors.New("quota exceeded")

	_, err := h.proc.RunJob(context.Background(), ModeInteractive, "file.pdf", testJobConfig())
	require.Error(t, err)
	assert.True(t, IsPersistenceError(err))
	assert.Equal(t, 0, h.catalog.writes)
}
