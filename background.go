package magreflow

// LinkBackgrounds marks every image that strictly contains a text element as
// background decoration and links the text to the first such image in
// element order. An existing background link is never overwritten. It
// returns the number of text elements linked.
func LinkBackgrounds(elements []Element) int {
	var texts []*TextElement
	var images []*ImageElement
	for _, el := range elements {
		switch v := el.(type) {
		case *TextElement:
			texts = append(texts, v)
		case *ImageElement:
			images = append(images, v)
		}
	}

	linked := 0
	for _, text := range texts {
		for _, img := range images {
			if !img.BBox.ContainsStrictly(text.BBox) {
				continue
			}
			isBackground := true
			img.ReflowHints.IsBackground = &isBackground
			if text.ReflowHints.BackgroundImageID == nil {
				id := img.ID
				text.ReflowHints.BackgroundImageID = &id
				linked++
			}
		}
	}
	return linked
}
