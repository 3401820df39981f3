package magreflow

import (
	"fmt"
	"math"
	"strings"
)

// IntToHexColor converts a 24-bit RGB integer to "#rrggbb". Values outside
// [0, 0xFFFFFF] map to black.
func IntToHexColor(color int) string {
	if color < 0 || color > 0xFFFFFF {
		return "#000000"
	}
	return fmt.Sprintf("#%06x", color)
}

// BodyFontSize returns the modal span font size of a page, with sizes rounded
// to the nearest point. Ties resolve to the smaller size. Pages without
// spans report 0.
func BodyFontSize(blocks []TextBlock) float64 {
	counts := make(map[int]int)
	for _, block := range blocks {
		for _, span := range block.Spans {
			if strings.TrimSpace(span.Text) == "" {
				continue
			}
			counts[int(math.Round(span.FontSize))]++
		}
	}

	body, best := 0, 0
	for size, count := range counts {
		if count > best || (count == best && size < body) {
			body, best = size, count
		}
	}
	return float64(body)
}

// blockRole hints whether a block is a heading: the average size of its
// non-blank spans must exceed ratio times the body size.
func blockRole(block TextBlock, bodySize, ratio float64) BlockRole {
	if bodySize <= 0 {
		return RoleParagraph
	}
	var total float64
	var n int
	for _, span := range block.Spans {
		if strings.TrimSpace(span.Text) == "" {
			continue
		}
		total += span.FontSize
		n++
	}
	if n > 0 && total/float64(n) > ratio*bodySize {
		return RoleHeading
	}
	return RoleParagraph
}

// blockAlignment reports center alignment when the block's horizontal center
// lies within ratio*pageWidth of the page center.
func blockAlignment(block Rect, pageWidth, ratio float64) Alignment {
	if math.Abs(block.CenterX()-pageWidth/2) <= ratio*pageWidth {
		return AlignmentCenter
	}
	return AlignmentLeft
}

// classifyContext carries the page-level inputs of span classification.
type classifyContext struct {
	pageNumber int
	pageWidth  float64
	bodySize   float64
	config     Config
}

func textBlockID(page, block int) string {
	return fmt.Sprintf("p%03d-b%03d", page, block)
}

func textElementID(page, block, span int) string {
	return fmt.Sprintf("%s-s%03d", textBlockID(page, block), span)
}

// classifyBlock converts the spans of one block into text elements carrying
// font, alignment and column hints. Spans with blank text are skipped.
func classifyBlock(block TextBlock, blockIndex int, ctx classifyContext) []*TextElement {
	spanBoxes := make([]Rect, 0, len(block.Spans))
	for _, span := range block.Spans {
		if strings.TrimSpace(span.Text) != "" {
			spanBoxes = append(spanBoxes, span.BBox)
		}
	}
	columns := DetectColumns(spanBoxes, block.BBox, ctx.config.BlockColumnTolerance)
	alignment := blockAlignment(block.BBox, ctx.pageWidth, ctx.config.CenterAlignRatio)
	role := blockRole(block, ctx.bodySize, ctx.config.HeadingSizeRatio)
	blockID := textBlockID(ctx.pageNumber, blockIndex)

	elements := make([]*TextElement, 0, len(block.Spans))
	for i, span := range block.Spans {
		content := strings.TrimSpace(span.Text)
		if content == "" {
			continue
		}
		elements = append(elements, &TextElement{
			ElementBase: ElementBase{
				ID:      textElementID(ctx.pageNumber, blockIndex, i),
				BlockID: blockID,
				BBox:    span.BBox,
			},
			Origin:  span.Origin,
			Content: content,
			FontInfo: FontInfo{
				Size:     span.FontSize,
				Font:     span.FontName,
				ColorHex: IntToHexColor(span.Color),
			},
			ReflowHints: TextHints{
				Alignment: alignment,
				LayoutInfo: LayoutInfo{
					ColumnCount: len(columns),
					ColumnIndex: ColumnIndex(columns, span.BBox),
				},
				Role: role,
			},
			seq: span.seq,
		})
	}
	return elements
}
