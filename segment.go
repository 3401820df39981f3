package magreflow

import (
	"math"
	"sort"
	"strings"
)

// textLine is a run of spans sharing a baseline.
type textLine struct {
	Spans    []Span
	Box      Rect
	Baseline float64
}

// spanGapFactor is how many average character widths of horizontal gap end
// a span.
const spanGapFactor = 2.5

// ligatureMap maps ligature unicode codepoints to their expanded forms
var ligatureMap = map[rune]string{
	0xFB00: "ff",
	0xFB01: "fi",
	0xFB02: "fl",
	0xFB03: "ffi",
	0xFB04: "ffl",
	0xFB05: "ft",
	0xFB06: "st",
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\u00a0'
}

func isLineBreak(r rune) bool {
	return r == '\n' || r == '\r'
}

// BuildBlocks segments the characters of a page, in content-stream order,
// into text blocks ordered by reading columns. Rotated vertical text forms
// blocks of its own.
func BuildBlocks(chars []EnrichedChar, pageWidth float64) []TextBlock {
	horizontal, vertical := splitByDirection(chars)

	var blocks []TextBlock
	if spans := buildSpans(horizontal); len(spans) > 0 {
		lines := groupSpansIntoLines(spans)
		blocks = groupLinesIntoBlocks(lines, pageWidth)
	}
	blocks = append(blocks, buildVerticalBlocks(vertical)...)
	if len(blocks) == 0 {
		return nil
	}
	return orderBlocksByColumns(blocks, pageWidth)
}

// buildSpans splits characters into style runs, numbered in drawing order. A span ends on a change of
// font, size or colour, on a line break, when the next glyph jumps backwards
// or onto another baseline, and on a horizontal gap wider than spanGapFactor
// average character widths.
func buildSpans(chars []EnrichedChar) []Span {
	var spans []Span
	var run []EnrichedChar
	var text strings.Builder

	flush := func() {
		if len(run) > 0 {
			if span, ok := aggregateSpan(run, text.String()); ok {
				span.seq = len(spans)
				spans = append(spans, span)
			}
		}
		run = run[:0]
		text.Reset()
	}

	for _, c := range chars {
		if isLineBreak(c.Text) {
			flush()
			continue
		}
		if isSpace(c.Text) {
			if len(run) > 0 {
				text.WriteByte(' ')
			}
			continue
		}
		if len(run) > 0 && breaksSpan(run, c) {
			flush()
		}
		run = append(run, c)
		if expansion, ok := ligatureMap[c.Text]; ok {
			text.WriteString(expansion)
		} else {
			text.WriteRune(c.Text)
		}
	}
	flush()
	return spans
}

func breaksSpan(run []EnrichedChar, c EnrichedChar) bool {
	prev := run[len(run)-1]
	if c.FontName != prev.FontName ||
		math.Abs(c.FontSize-prev.FontSize) > 0.5 ||
		c.FillColor.Int() != prev.FillColor.Int() {
		return true
	}

	height := math.Max(prev.Box.Height(), c.Box.Height())
	if height <= 0 {
		height = c.FontSize
	}
	if math.Abs(c.Box.Y1-prev.Box.Y1) > height*0.5 {
		return true
	}

	avgWidth := averageCharWidth(run)
	if c.Box.X0 < prev.Box.X0-avgWidth {
		return true
	}
	return avgWidth > 0 && c.Box.X0-prev.Box.X1 > avgWidth*spanGapFactor
}

func averageCharWidth(chars []EnrichedChar) float64 {
	if len(chars) == 0 {
		return 0
	}
	var total float64
	for _, c := range chars {
		total += c.Box.Width()
	}
	return total / float64(len(chars))
}

// aggregateSpan builds a span from a run of non-space characters. The origin
// is the left end of the baseline, taken as the lowest glyph bottom.
func aggregateSpan(run []EnrichedChar, text string) (Span, bool) {
	text = strings.TrimRight(text, " ")
	if text == "" {
		return Span{}, false
	}

	box := run[0].Box
	var totalSize float64
	baseline := run[0].Box.Y1
	for _, c := range run {
		box = box.Union(c.Box)
		totalSize += c.FontSize
		baseline = math.Max(baseline, c.Box.Y1)
	}

	return Span{
		BBox:     box,
		Origin:   Point{X: run[0].Box.X0, Y: baseline},
		Text:     text,
		FontSize: totalSize / float64(len(run)),
		FontName: run[0].FontName,
		Color:    run[0].FillColor.Int(),
	}, true
}

// groupSpansIntoLines clusters spans by baseline. The threshold adapts to the
// span's font size, falling back to 3pt.
func groupSpansIntoLines(spans []Span) []textLine {
	sorted := make([]Span, len(spans))
	copy(sorted, spans)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Origin.Y < sorted[j].Origin.Y
	})

	var lines []textLine
	for _, span := range sorted {
		threshold := 0.4 * span.FontSize
		if threshold == 0 {
			threshold = 3.0
		}

		placed := false
		for i := range lines {
			line := &lines[i]
			if math.Abs(span.Origin.Y-line.Baseline) < threshold && !overlapsLine(*line, span) {
				n := float64(len(line.Spans))
				line.Spans = append(line.Spans, span)
				line.Box = line.Box.Union(span.BBox)
				line.Baseline = (line.Baseline*n + span.Origin.Y) / (n + 1)
				placed = true
				break
			}
		}
		if !placed {
			lines = append(lines, textLine{Spans: []Span{span}, Box: span.BBox, Baseline: span.Origin.Y})
		}
	}

	for i := range lines {
		sort.SliceStable(lines[i].Spans, func(a, b int) bool {
			return lines[i].Spans[a].BBox.X0 < lines[i].Spans[b].BBox.X0
		})
	}
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].Baseline < lines[j].Baseline
	})
	return lines
}

// overlapsLine reports whether span sits on top of text already in the line.
// Overprinted copies (shadows, outlines) go on their own line so they stay
// separate spans.
func overlapsLine(line textLine, span Span) bool {
	for _, s := range line.Spans {
		if s.BBox.HorizontalOverlap(span.BBox) > 0.5*math.Min(s.BBox.Width(), span.BBox.Width()) {
			return true
		}
	}
	return false
}

func lineFontSize(line textLine) float64 {
	var total float64
	var weight int
	for _, s := range line.Spans {
		n := len([]rune(s.Text))
		total += s.FontSize * float64(n)
		weight += n
	}
	if weight == 0 {
		return 0
	}
	return total / float64(weight)
}

// groupLinesIntoBlocks splits lines into reading columns and then into
// blocks. A block ends on a vertical gap above the adaptive threshold, on a
// font size change of more than 20% or when the next line does not overlap
// the block horizontally.
func groupLinesIntoBlocks(lines []textLine, pageWidth float64) []TextBlock {
	if len(lines) == 0 {
		return nil
	}

	boxes := make([]Rect, len(lines))
	for i, l := range lines {
		boxes[i] = l.Box
	}
	columns := detectReadingColumns(boxes, pageWidth)

	byColumn := make(map[int][]textLine)
	for _, l := range lines {
		ci := ColumnIndex(columns, l.Box)
		byColumn[ci] = append(byColumn[ci], l)
	}

	var blocks []TextBlock
	for ci := 0; ci < max(len(columns), 1); ci++ {
		blocks = append(blocks, splitColumnIntoBlocks(byColumn[ci])...)
	}
	return blocks
}

func splitColumnIntoBlocks(lines []textLine) []TextBlock {
	if len(lines) == 0 {
		return nil
	}
	threshold := lineGapThreshold(lines)

	var blocks []TextBlock
	current := []textLine{lines[0]}
	box := lines[0].Box

	flush := func() {
		var spans []Span
		for _, l := range current {
			spans = append(spans, l.Spans...)
		}
		blocks = append(blocks, TextBlock{BBox: box, Spans: spans})
	}

	for _, line := range lines[1:] {
		prev := current[len(current)-1]
		size := lineFontSize(prev)
		if size <= 0 {
			size = 12
		}
		gap := (line.Box.Y0 - prev.Box.Y1) / size
		ratio := lineFontSize(line) / size

		if gap > threshold || ratio < 0.8 || ratio > 1.2 || box.HorizontalOverlap(line.Box) <= 0 {
			flush()
			current = []textLine{line}
			box = line.Box
			continue
		}
		current = append(current, line)
		box = box.Union(line.Box)
	}
	flush()
	return blocks
}

// lineGapThreshold is the paragraph break threshold as a multiple of font
// size: median gap plus 1.5 standard deviations, clamped to [0.6, 1.5].
func lineGapThreshold(lines []textLine) float64 {
	if len(lines) < 3 {
		return 0.9
	}

	var gaps, sizes []float64
	for i := 0; i < len(lines)-1; i++ {
		gaps = append(gaps, lines[i+1].Box.Y0-lines[i].Box.Y1)
		sizes = append(sizes, lineFontSize(lines[i]))
	}

	medianSize := calculateMedian(sizes)
	if medianSize == 0 {
		medianSize = 12.0
	}
	threshold := (calculateMedian(gaps) + 1.5*calculateStdDev(gaps)) / medianSize
	return clamp(threshold, 0.6, 1.5)
}
