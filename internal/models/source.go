package models

// SourceKind discriminates the citation union attached to assistant
// messages.
type SourceKind string

const (
	SourceText  SourceKind = "text"
	SourceImage SourceKind = "image"
	SourceTable SourceKind = "table"
)

// Source is a typed citation pointing back at the document content an
// answer was grounded in. Kind selects which fields are meaningful:
// text sources carry Content and Score, image and table sources carry
// Locator and Caption, table sources additionally Rows/Columns.
type Source struct {
	Kind    SourceKind `json:"kind"`
	Page    int        `json:"page"`
	Content string     `json:"content,omitempty"`
	Score   float32    `json:"score,omitempty"`
	Locator string     `json:"locator,omitempty"`
	Caption string     `json:"caption,omitempty"`
	Rows    int        `json:"rows,omitempty"`
	Columns int        `json:"columns,omitempty"`
}
