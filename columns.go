package magreflow

import (
	"math"
	"sort"
)

// DetectColumns infers column boundaries from the horizontal centers of items.
//
// Centers are clustered along the x-axis with single linkage: a sorted center
// joins the current cluster while its gap to the previous center is below
// tolerance. Each cluster's mean becomes a column anchor. With at most one
// anchor the container is returned unchanged. Otherwise column edges sit at
// the midpoints between adjacent anchors and the outer edges are clamped to
// the container.
func DetectColumns(items []Rect, container Rect, tolerance float64) []Rect {
	if len(items) == 0 {
		return []Rect{container}
	}

	centers := make([]float64, len(items))
	for i, item := range items {
		centers[i] = item.CenterX()
	}
	sort.Float64s(centers)

	var anchors []float64
	clusterSum := centers[0]
	clusterSize := 1
	for i := 1; i < len(centers); i++ {
		if centers[i]-centers[i-1] < tolerance {
			clusterSum += centers[i]
			clusterSize++
			continue
		}
		anchors = append(anchors, clusterSum/float64(clusterSize))
		clusterSum = centers[i]
		clusterSize = 1
	}
	anchors = append(anchors, clusterSum/float64(clusterSize))

	if len(anchors) <= 1 {
		return []Rect{container}
	}

	columns := make([]Rect, 0, len(anchors))
	left := container.X0
	for i := range anchors {
		right := container.X1
		if i < len(anchors)-1 {
			right = clamp((anchors[i]+anchors[i+1])/2, container.X0, container.X1)
		}
		columns = append(columns, Rect{X0: left, Y0: container.Y0, X1: right, Y1: container.Y1})
		left = right
	}

	return columns
}

// ColumnIndex returns the index of the first column whose [x0, x1) range
// contains the horizontal center of r. Centers left of the first column map
// to 0 and centers at or beyond the last edge map to the last column.
func ColumnIndex(columns []Rect, r Rect) int {
	if len(columns) == 0 {
		return 0
	}
	center := r.CenterX()
	for i, col := range columns {
		if center >= col.X0 && center < col.X1 {
			return i
		}
	}
	if center < columns[0].X0 {
		return 0
	}
	return len(columns) - 1
}

// DetectPageColumns runs the column detector over every text block of a page
// with the coarse page-level tolerance.
func DetectPageColumns(page *PageContent, tolerance float64) []Rect {
	container := Rect{X0: 0, Y0: 0, X1: page.Width, Y1: page.Height}
	items := make([]Rect, 0, len(page.Blocks))
	for _, block := range page.Blocks {
		items = append(items, block.BBox)
	}
	return DetectColumns(items, container, tolerance)
}

// detectReadingColumns finds column gutters with a vertical projection
// profile and returns the column x-ranges. It is used to order raw blocks
// during segmentation, before any classification happens.
func detectReadingColumns(boxes []Rect, pageWidth float64) []Rect {
	if len(boxes) == 0 || pageWidth <= 0 {
		return nil
	}

	// Build vertical projection profile (histogram of text density)
	binWidth := 1.0 // 1 point resolution
	numBins := int(math.Ceil(pageWidth / binWidth))
	bins := make([]int, numBins)

	for _, box := range boxes {
		startBin := int(box.X0 / binWidth)
		endBin := int(math.Ceil(box.X1 / binWidth))

		for bin := startBin; bin < endBin && bin < numBins; bin++ {
			if bin >= 0 {
				bins[bin]++
			}
		}
	}

	valleys := findSignificantValleys(bins, pageWidth)

	columns := make([]Rect, 0, len(valleys)+1)
	colStart := 0.0
	for _, valley := range valleys {
		columns = append(columns, Rect{X0: colStart, X1: valley})
		colStart = valley
	}
	columns = append(columns, Rect{X0: colStart, X1: pageWidth})
	return columns
}

// findSignificantValleys identifies gaps in the text density histogram
func findSignificantValleys(bins []int, pageWidth float64) []float64 {
	if len(bins) == 0 {
		return nil
	}

	var sum int
	var nonZero int
	for _, count := range bins {
		sum += count
		if count > 0 {
			nonZero++
		}
	}

	if nonZero == 0 {
		return nil
	}

	avgDensity := float64(sum) / float64(nonZero)

	const minValleyWidth = 20.0 // Minimum 20 points wide
	const valleyThreshold = 0.2 // Valley density < 20% of average

	var valleys []float64
	valleyStart := -1
	threshold := int(avgDensity * valleyThreshold)

	for i, count := range bins {
		if count <= threshold {
			if valleyStart == -1 {
				valleyStart = i
			}
		} else if valleyStart != -1 {
			valleyWidth := float64(i - valleyStart)
			if valleyWidth >= minValleyWidth {
				valleys = append(valleys, float64(valleyStart+i)/2.0)
			}
			valleyStart = -1
		}
	}

	// Ignore valleys within 50 points of the page edges
	const edgeMargin = 50.0
	var filtered []float64
	for _, valley := range valleys {
		if valley > edgeMargin && valley < pageWidth-edgeMargin {
			filtered = append(filtered, valley)
		}
	}

	return filtered
}

// orderBlocksByColumns sorts blocks top-to-bottom within each column and
// left-to-right across columns.
func orderBlocksByColumns(blocks []TextBlock, pageWidth float64) []TextBlock {
	if len(blocks) <= 1 {
		return blocks
	}

	boxes := make([]Rect, len(blocks))
	for i, b := range blocks {
		boxes[i] = b.BBox
	}
	columns := detectReadingColumns(boxes, pageWidth)

	ordered := make([]TextBlock, len(blocks))
	copy(ordered, blocks)
	sort.SliceStable(ordered, func(i, j int) bool {
		ci := ColumnIndex(columns, ordered[i].BBox)
		cj := ColumnIndex(columns, ordered[j].BBox)
		if ci != cj {
			return ci < cj
		}
		return ordered[i].BBox.Y0 < ordered[j].BBox.Y0
	})
	return ordered
}
