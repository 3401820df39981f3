package magreflow

import (
	"fmt"
	"math"
)

// GroupElements re-clusters a y0-sorted element stream into reading-order
// groups. An element joins the current group when it has the same type as
// the group's last element, starts less than maxGap below it, and overlaps
// it horizontally by more than minOverlap of the narrower width. Groups of
// two or more members get a fresh shared block id; singletons keep theirs.
// Only BlockID is modified. It returns the number of multi-member groups.
func GroupElements(elements []Element, maxGap, minOverlap float64) int {
	if len(elements) == 0 {
		return 0
	}

	groups := 0
	start := 0
	flush := func(end int) {
		if end-start > 1 {
			groups++
			id := fmt.Sprintf("%s-g%02d", elements[start].Base().BlockID, groups)
			for _, el := range elements[start:end] {
				el.Base().BlockID = id
			}
		}
		start = end
	}

	for i := 1; i < len(elements); i++ {
		if !joinsGroup(elements[i-1], elements[i], maxGap, minOverlap) {
			flush(i)
		}
	}
	flush(len(elements))

	return groups
}

func joinsGroup(last, el Element, maxGap, minOverlap float64) bool {
	if last.Type() != el.Type() {
		return false
	}
	lb, eb := last.Base().BBox, el.Base().BBox
	if eb.Y0-lb.Y1 >= maxGap {
		return false
	}
	narrower := math.Min(lb.Width(), eb.Width())
	return lb.HorizontalOverlap(eb) > minOverlap*narrower
}
