package models

// MediaKind discriminates the non-text element types a document can carry.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaTable MediaKind = "table"
)

// MediaElement is an image or table extracted from a document. Locator
// is an opaque reference into the artifact store; the core never
// interprets the bytes behind it.
type MediaElement struct {
	ID         string
	DocumentID string
	Kind       MediaKind
	Page       int
	Locator    string
	Caption    string
	Rows       int
	Columns    int
}

// ChunkMediaLink relates a chunk to a media element on a nearby page.
// Links are derived by the linker, never user-authored, and only ever
// join a chunk and element of the same document.
type ChunkMediaLink struct {
	ChunkID string
	MediaID string
}
