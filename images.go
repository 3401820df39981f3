package magreflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
)

// ImageAssetPath returns the asset path of an image crop. The same page and
// xref always map to the same path.
func ImageAssetPath(slug string, pageNumber, xref int) string {
	return fmt.Sprintf("%s/elements/element_page_%d_xref_%d.png", slug, pageNumber, xref)
}

func imageElementID(page, xref, placement int) string {
	id := fmt.Sprintf("p%03d-x%d", page, xref)
	if placement > 1 {
		id = fmt.Sprintf("%s-%d", id, placement)
	}
	return id
}

// uploadedImage is one image placement whose crop is stored.
type uploadedImage struct {
	ref ImageRef
	id  string
	url string
}

// imageExtractor crops, renders and uploads the images of a page.
type imageExtractor struct {
	assets AssetStore
	zoom   float64
	logger *slog.Logger
}

// extract renders every image placement on the page and uploads it. An
// image that fails to render or upload is logged and left out; the page
// carries on. Each distinct xref is rendered and uploaded once.
func (x *imageExtractor) extract(ctx context.Context, doc Document, page *PageContent, slug string) (images []uploadedImage, dropped int) {
	urls := make(map[int]string)
	failed := make(map[int]bool)
	placements := make(map[int]int)

	for _, ref := range page.Images {
		if ref.XRef == 0 {
			continue
		}
		if failed[ref.XRef] {
			dropped++
			continue
		}

		url, ok := urls[ref.XRef]
		if !ok {
			var err error
			url, err = x.upload(ctx, doc, page, ref, slug)
			if err != nil {
				x.logger.Warn("could not process image",
					"page", page.Number, "xref", ref.XRef, "error", err)
				failed[ref.XRef] = true
				dropped++
				continue
			}
			urls[ref.XRef] = url
		}

		placements[ref.XRef]++
		images = append(images, uploadedImage{
			ref: ref,
			id:  imageElementID(page.Number, ref.XRef, placements[ref.XRef]),
			url: url,
		})
	}

	return images, dropped
}

func (x *imageExtractor) upload(ctx context.Context, doc Document, page *PageContent, ref ImageRef, slug string) (url string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while rendering image: %v", r)
		}
	}()

	clip := ref.BBox
	raster, err := doc.Render(ctx, page.Number-1, &clip, x.zoom)
	if err != nil {
		return "", errors.Wrap(err, "failed to render image clip")
	}

	path := ImageAssetPath(slug, page.Number, ref.XRef)
	url, err = x.assets.Upload(ctx, path, raster.PNG, "image/png")
	if err != nil {
		return "", errors.Wrapf(err, "failed to upload %s", path)
	}
	if url == "" {
		return "", errors.Errorf("upload of %s returned no URL", path)
	}
	return url, nil
}

// imageElements converts uploaded images into image elements with the
// default single-column layout hint.
func imageElements(images []uploadedImage) []*ImageElement {
	elements := make([]*ImageElement, 0, len(images))
	for _, img := range images {
		elements = append(elements, &ImageElement{
			ElementBase: ElementBase{
				ID:      img.id,
				BlockID: img.id,
				BBox:    img.ref.BBox,
			},
			Src: img.url,
			ReflowHints: ImageHints{
				LayoutInfo: LayoutInfo{ColumnCount: 1, ColumnIndex: 0},
			},
		})
	}
	return elements
}
