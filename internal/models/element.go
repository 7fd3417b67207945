package models

// ElementKind discriminates the normalized element list an extractor
// produces for a document.
type ElementKind string

const (
	ElementText  ElementKind = "text"
	ElementImage ElementKind = "image"
	ElementTable ElementKind = "table"
)

// RawElement is one entry of the ordered element list produced by a
// document extractor. Text elements carry Content; image and table
// elements carry Locator, an optional Caption and, for tables, the
// row/column counts.
type RawElement struct {
	Kind    ElementKind
	Page    int
	Content string
	Locator string
	Caption string
	Rows    int
	Columns int
}
