package magreflow

import (
	"bytes"
	"log/slog"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pkg/errors"
)

// xrefTable maps 1-based page numbers to the sorted object numbers of the
// image XObjects used on that page.
type xrefTable map[int][]int

// readXRefTable parses the document with pdfcpu and collects the image
// object numbers of every page.
func readXRefTable(data []byte) (table xrefTable, err error) {
	defer func() {
		if r := recover(); r != nil {
			table, err = nil, errors.Errorf("pdfcpu panic: %v", r)
		}
	}()

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration())
	if err != nil {
		return nil, errors.Wrap(err, "pdfcpu read")
	}
	if ctx.Optimize == nil {
		return xrefTable{}, nil
	}

	table = make(xrefTable, ctx.PageCount)
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		objNrs := pdfcpu.ImageObjNrs(ctx, pageNr)
		if len(objNrs) == 0 {
			continue
		}
		sorted := append([]int(nil), objNrs...)
		sort.Ints(sorted)
		table[pageNr] = sorted
	}
	return table, nil
}

// resolve assigns xref ids to the image placements of a page, in content
// order. pdfcpu lists object numbers, not placements, so the pairing is only
// certain for a page with a single image object placed once. Every other page
// gets 1-based ordinals.
func (t xrefTable) resolve(pageNumber, placements int) []int {
	ids := make([]int, placements)
	if objNrs := t[pageNumber]; placements == 1 && len(objNrs) == 1 {
		ids[0] = objNrs[0]
		return ids
	}
	for i := range ids {
		ids[i] = i + 1
	}
	return ids
}

// loadXRefTable is readXRefTable with failures downgraded to a warning; the
// caller falls back to ordinals.
func loadXRefTable(data []byte, logger *slog.Logger) xrefTable {
	table, err := readXRefTable(data)
	if err != nil {
		logger.Warn("image object numbers unavailable, using ordinals", "error", err)
		return xrefTable{}
	}
	return table
}
