package linker

import (
	"context"
	"fmt"

	"github.com/xhad/papyrus/internal/models"
	"github.com/xhad/papyrus/internal/types"
)

// DefaultPageWindow links media on the same page as a chunk only.
const DefaultPageWindow = 0

type LinkerConfig struct {
	// PageWindow widens the match to media within +/- PageWindow pages
	// of a chunk's page.
	PageWindow int
}

// Linker derives chunk-to-media links by page proximity. Linking is a
// pure function of the chunk and media pages, so re-running it always
// produces the same link set.
type Linker struct {
	config LinkerConfig
	store  types.Store
}

func NewWithConfig(config LinkerConfig, store types.Store) (*Linker, error) {
	if config.PageWindow < 0 {
		return nil, fmt.Errorf("%w: page window cannot be negative", models.ErrConfiguration)
	}
	return &Linker{config: config, store: store}, nil
}

// Compute returns the link set for the given chunks and media. Both
// sides are expected to belong to the same document; output order is
// deterministic (chunk order, then media order).
func (l *Linker) Compute(chunks []models.Chunk, media []models.MediaElement) []models.ChunkMediaLink {
	var links []models.ChunkMediaLink
	for _, ch := range chunks {
		for _, m := range media {
			delta := ch.Page - m.Page
			if delta < 0 {
				delta = -delta
			}
			if delta <= l.config.PageWindow {
				links = append(links, models.ChunkMediaLink{ChunkID: ch.ID, MediaID: m.ID})
			}
		}
	}
	return links
}

// Link recomputes and replaces the stored link set for documentID.
// Re-running it clears and rebuilds rather than accumulating, so the
// operation is idempotent.
func (l *Linker) Link(ctx context.Context, documentID string) error {
	chunks, err := l.store.ChunksByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to load chunks: %w", err)
	}
	media, err := l.store.MediaByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to load media: %w", err)
	}
	if err := l.store.ReplaceLinks(ctx, documentID, l.Compute(chunks, media)); err != nil {
		return fmt.Errorf("failed to replace links: %w", err)
	}
	return nil
}
