package magreflow

import (
	"math"
	"sort"
)

// MarkShadowText flags duplicate spans used for outline or drop-shadow
// effects. Element i is a shadow when some element j < i has the same
// content and an origin within offset on both axes, so the first copy in
// input order always stays unflagged. Flagged elements are kept. It returns
// the number of elements flagged.
func MarkShadowText(elements []*TextElement, offset float64, bucketThreshold int) int {
	if offset <= 0 || len(elements) < 2 {
		return 0
	}
	if bucketThreshold > 0 && len(elements) > bucketThreshold {
		return markShadowTextBucketed(elements, offset)
	}

	marked := 0
	for i := 1; i < len(elements); i++ {
		for j := 0; j < i; j++ {
			if isShadowPair(elements[i], elements[j], offset) {
				elements[i].ReflowHints.IsShadowText = true
				marked++
				break
			}
		}
	}
	return marked
}

// markBlockShadows runs MarkShadowText over the elements of one block in the
// order their spans were drawn, so the copy painted on top is the one flagged.
func markBlockShadows(elements []*TextElement, offset float64, bucketThreshold int) int {
	drawn := make([]*TextElement, len(elements))
	copy(drawn, elements)
	sort.SliceStable(drawn, func(i, j int) bool {
		return drawn[i].seq < drawn[j].seq
	})
	return MarkShadowText(drawn, offset, bucketThreshold)
}

func isShadowPair(a, b *TextElement, offset float64) bool {
	return a.Content == b.Content &&
		math.Abs(a.Origin.X-b.Origin.X) < offset &&
		math.Abs(a.Origin.Y-b.Origin.Y) < offset
}

type shadowKey struct {
	content string
	cx, cy  int
}

// markShadowTextBucketed gives the same result as the pairwise scan using a
// grid of offset-sized cells. Two origins closer than offset on both axes are
// at most one cell apart, so only the 3x3 neighbourhood is searched.
func markShadowTextBucketed(elements []*TextElement, offset float64) int {
	buckets := make(map[shadowKey][]*TextElement)
	marked := 0

	for _, el := range elements {
		cx := int(math.Floor(el.Origin.X / offset))
		cy := int(math.Floor(el.Origin.Y / offset))

	search:
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for _, prev := range buckets[shadowKey{el.Content, cx + dx, cy + dy}] {
					if isShadowPair(el, prev, offset) {
						el.ReflowHints.IsShadowText = true
						marked++
						break search
					}
				}
			}
		}

		key := shadowKey{el.Content, cx, cy}
		buckets[key] = append(buckets[key], el)
	}
	return marked
}
