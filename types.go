package magreflow

import (
	"encoding/json"
	"fmt"
)

// Rect represents a bounding box in page coordinates (points).
type Rect struct {
	X0 float64 // Left
	Y0 float64 // Top (after conversion from PDF coordinates)
	X1 float64 // Right
	Y1 float64 // Bottom (after conversion from PDF coordinates)
}

// MarshalJSON encodes the rectangle as [x0, y0, x1, y1].
func (r Rect) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{r.X0, r.Y0, r.X1, r.Y1})
}

// UnmarshalJSON decodes a rectangle from [x0, y0, x1, y1].
func (r *Rect) UnmarshalJSON(data []byte) error {
	var v [4]float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("rect: %w", err)
	}
	*r = Rect{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]}
	return nil
}

// Point is a position in page coordinates.
type Point struct {
	X, Y float64
}

// MarshalJSON encodes the point as [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON decodes a point from [x, y].
func (p *Point) UnmarshalJSON(data []byte) error {
	var v [2]float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("point: %w", err)
	}
	*p = Point{X: v[0], Y: v[1]}
	return nil
}

// RGBA represents a color.
type RGBA struct {
	R, G, B, A uint
}

// Int packs the color into a 24-bit RGB integer.
func (c RGBA) Int() int {
	return int(c.R&0xff)<<16 | int(c.G&0xff)<<8 | int(c.B&0xff)
}

// EnrichedChar represents a single character with all its metadata.
type EnrichedChar struct {
	Text      rune
	Box       Rect
	FontSize  float64
	FontName  string
	FillColor RGBA
	Angle     float32
}

// Span is one contiguous run of text with uniform styling. Origin is the
// start of the span's baseline.
type Span struct {
	BBox     Rect
	Origin   Point
	Text     string
	FontSize float64
	FontName string
	Color    int // 24-bit RGB

	seq int // position in the content stream
}

// TextBlock is a PDF-reported grouping of spans. It is not necessarily a
// logical paragraph.
type TextBlock struct {
	BBox  Rect
	Spans []Span
}

// ImageRef is an image placement on a page. XRef 0 means "no image".
type ImageRef struct {
	XRef int
	BBox Rect
}

// LinkRef is a URI link annotation on a page.
type LinkRef struct {
	URI  string
	BBox Rect
}

// PageContent is everything the engine reports for one page.
type PageContent struct {
	Number  int // 1-based
	Width   float64
	Height  float64
	CropBox *Rect // nil when identical to the media box
	Blocks  []TextBlock
	Images  []ImageRef
	Links   []LinkRef
}

// Raster is an encoded page or clip rendering.
type Raster struct {
	PNG    []byte
	Width  int
	Height int
}

// ElementType discriminates the Element variants.
type ElementType string

const (
	ElementText  ElementType = "text"
	ElementImage ElementType = "image"
)

// Alignment of a text block relative to the page.
type Alignment string

const (
	AlignmentLeft   Alignment = "left"
	AlignmentCenter Alignment = "center"
)

// BlockRole is the optional paragraph/heading hint of a text block.
type BlockRole string

const (
	RoleParagraph BlockRole = "paragraph"
	RoleHeading   BlockRole = "heading"
)

// Element is either a *TextElement or an *ImageElement.
type Element interface {
	Base() *ElementBase
	Type() ElementType
}

// ElementBase holds the fields shared by every element.
type ElementBase struct {
	ID      string `json:"id"`
	BlockID string `json:"block_id"`
	BBox    Rect   `json:"bbox"`
}

// LayoutInfo is the column assignment of an element.
type LayoutInfo struct {
	ColumnCount int `json:"column_count"`
	ColumnIndex int `json:"column_index"`
}

// FontInfo describes the styling of a text element.
type FontInfo struct {
	Size     float64 `json:"size"`
	Font     string  `json:"font"`
	ColorHex string  `json:"color_hex"`
}

// TextHints are the reflow hints of a text element.
type TextHints struct {
	Alignment         Alignment  `json:"alignment"`
	IsShadowText      bool       `json:"is_shadow_text"`
	LayoutInfo        LayoutInfo `json:"layout_info"`
	BackgroundImageID *string    `json:"background_image_id,omitempty"`
	Role              BlockRole  `json:"role,omitempty"`
}

// ImageHints are the reflow hints of an image element.
type ImageHints struct {
	LayoutInfo   LayoutInfo `json:"layout_info"`
	IsBackground *bool      `json:"is_background,omitempty"`
}

// TextElement is a classified text span.
type TextElement struct {
	ElementBase
	Origin      Point     `json:"origin"`
	Content     string    `json:"content"`
	FontInfo    FontInfo  `json:"font_info"`
	ReflowHints TextHints `json:"reflow_hints"`

	seq int
}

// Base returns the shared element fields.
func (e *TextElement) Base() *ElementBase { return &e.ElementBase }

// Type returns ElementText.
func (e *TextElement) Type() ElementType { return ElementText }

// MarshalJSON adds the "type" discriminator.
func (e *TextElement) MarshalJSON() ([]byte, error) {
	type plain TextElement
	return json.Marshal(struct {
		Type ElementType `json:"type"`
		*plain
	}{ElementText, (*plain)(e)})
}

// ImageElement is an extracted image uploaded as a standalone asset.
type ImageElement struct {
	ElementBase
	Src         string     `json:"src"`
	ReflowHints ImageHints `json:"reflow_hints"`
}

// Base returns the shared element fields.
func (e *ImageElement) Base() *ElementBase { return &e.ElementBase }

// Type returns ElementImage.
func (e *ImageElement) Type() ElementType { return ElementImage }

// MarshalJSON adds the "type" discriminator.
func (e *ImageElement) MarshalJSON() ([]byte, error) {
	type plain ImageElement
	return json.Marshal(struct {
		Type ElementType `json:"type"`
		*plain
	}{ElementImage, (*plain)(e)})
}

// Page is the reconstructed content of one PDF page.
type Page struct {
	PageNumber int       `json:"page_number"`
	Content    []Element `json:"content"`
}

// UnmarshalJSON decodes the element variants by their "type" field.
func (p *Page) UnmarshalJSON(data []byte) error {
	var raw struct {
		PageNumber int               `json:"page_number"`
		Content    []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.PageNumber = raw.PageNumber
	p.Content = make([]Element, 0, len(raw.Content))
	for _, msg := range raw.Content {
		var probe struct {
			Type ElementType `json:"type"`
		}
		if err := json.Unmarshal(msg, &probe); err != nil {
			return err
		}
		switch probe.Type {
		case ElementText:
			el := &TextElement{}
			if err := json.Unmarshal(msg, el); err != nil {
				return err
			}
			p.Content = append(p.Content, el)
		case ElementImage:
			el := &ImageElement{}
			if err := json.Unmarshal(msg, el); err != nil {
				return err
			}
			p.Content = append(p.Content, el)
		default:
			return fmt.Errorf("unknown element type %q", probe.Type)
		}
	}
	return nil
}

// TOCEntry is one table-of-contents row. It is passed through unmodified.
type TOCEntry struct {
	Page    int    `json:"page"`
	Section string `json:"section"`
	Title   string `json:"title"`
}

// Issue is the reflow content document of one magazine issue.
type Issue struct {
	IssueNumber     string     `json:"issue_number"`
	PublicationDate string     `json:"publication_date"`
	TableOfContents []TOCEntry `json:"table_of_contents"`
	Pages           []Page     `json:"pages"`
}
