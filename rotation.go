package magreflow

import (
	"math"
	"sort"
	"strings"
)

// readingDirection is the direction a glyph run reads in, inferred from its
// rotation.
type readingDirection int

const (
	directionLTR readingDirection = iota // horizontal
	directionTTB                         // rotated 90°
	directionRTL                         // rotated 180°
	directionBTT                         // rotated 270°
)

func (d readingDirection) vertical() bool {
	return d == directionTTB || d == directionBTT
}

// quantizeAngle rounds an angle to the nearest multiple of step degrees
func quantizeAngle(angle, step float64) float64 {
	return math.Round(angle/step) * step
}

// normalizeAngle normalizes an angle to [0, 360) range
func normalizeAngle(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	return angle
}

// glyphDirection converts a glyph's rotation (radians, as pdfium reports it)
// to a reading direction. Angles are snapped to 15° first so slightly skewed
// glyphs stay horizontal.
func glyphDirection(c EnrichedChar) readingDirection {
	angle := normalizeAngle(quantizeAngle(float64(c.Angle)*180/math.Pi, 15))

	switch {
	case angle < 45 || angle >= 315:
		return directionLTR
	case angle < 135:
		return directionTTB
	case angle < 225:
		return directionRTL
	default:
		return directionBTT
	}
}

// splitByDirection separates vertical glyphs from the horizontal stream.
// Line breaks stay horizontal.
func splitByDirection(chars []EnrichedChar) (horizontal []EnrichedChar, vertical []EnrichedChar) {
	for _, c := range chars {
		if !isLineBreak(c.Text) && glyphDirection(c).vertical() {
			vertical = append(vertical, c)
			continue
		}
		horizontal = append(horizontal, c)
	}
	return horizontal, vertical
}

// buildVerticalBlocks groups rotated glyphs into vertical lines, one block
// per line. Glyphs share a line while their horizontal centers stay within
// 0.8 of the font size. Top-to-bottom runs read downwards, bottom-to-top
// runs upwards.
func buildVerticalBlocks(chars []EnrichedChar) []TextBlock {
	if len(chars) == 0 {
		return nil
	}

	sorted := make([]EnrichedChar, len(chars))
	copy(sorted, chars)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Box.CenterX() < sorted[j].Box.CenterX()
	})

	var blocks []TextBlock
	var line []EnrichedChar
	var centerX float64

	flush := func() {
		if block, ok := verticalBlock(line); ok {
			blocks = append(blocks, block)
		}
		line = nil
	}

	for _, c := range sorted {
		threshold := c.FontSize * 0.8
		if threshold <= 0 {
			threshold = 3
		}
		if len(line) > 0 && math.Abs(c.Box.CenterX()-centerX) >= threshold {
			flush()
		}
		if len(line) == 0 {
			centerX = c.Box.CenterX()
		}
		line = append(line, c)
	}
	flush()
	return blocks
}

func verticalBlock(line []EnrichedChar) (TextBlock, bool) {
	var glyphs []EnrichedChar
	for _, c := range line {
		if !isSpace(c.Text) {
			glyphs = append(glyphs, c)
		}
	}
	if len(glyphs) == 0 {
		return TextBlock{}, false
	}

	upwards := glyphDirection(glyphs[0]) == directionBTT
	ordered := make([]EnrichedChar, len(line))
	copy(ordered, line)
	sort.SliceStable(ordered, func(i, j int) bool {
		if upwards {
			return ordered[i].Box.Y1 > ordered[j].Box.Y1
		}
		return ordered[i].Box.Y0 < ordered[j].Box.Y0
	})

	var text strings.Builder
	for _, c := range ordered {
		if isSpace(c.Text) {
			text.WriteByte(' ')
			continue
		}
		if expansion, ok := ligatureMap[c.Text]; ok {
			text.WriteString(expansion)
		} else {
			text.WriteRune(c.Text)
		}
	}

	content := strings.Join(strings.Fields(text.String()), " ")
	if content == "" {
		return TextBlock{}, false
	}

	box := glyphs[0].Box
	var totalSize float64
	for _, c := range glyphs {
		box = box.Union(c.Box)
		totalSize += c.FontSize
	}
	first := ordered[0]
	for _, c := range ordered {
		if !isSpace(c.Text) {
			first = c
			break
		}
	}

	span := Span{
		BBox:     box,
		Origin:   Point{X: first.Box.X0, Y: first.Box.Y1},
		Text:     content,
		FontSize: totalSize / float64(len(glyphs)),
		FontName: first.FontName,
		Color:    first.FillColor.Int(),
	}
	return TextBlock{BBox: box, Spans: []Span{span}}, true
}
