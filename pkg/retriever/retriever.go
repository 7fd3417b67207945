package retriever

import (
	"context"
	"fmt"

	"github.com/xhad/papyrus/internal/models"
	"github.com/xhad/papyrus/internal/types"
)

const DefaultTopK = 5

type RetrieverConfig struct {
	TopK int // default result count when the caller passes k <= 0 at config time
}

// Retriever turns a query into ranked, citation-ready sources: the
// top-k chunks by cosine similarity followed by the media elements
// linked to them, deduplicated and ordered by the rank of the first
// chunk that references each element.
type Retriever struct {
	config   RetrieverConfig
	embedder types.Embedder
	store    types.Store
}

func NewWithConfig(config RetrieverConfig, embedder types.Embedder, store types.Store) (*Retriever, error) {
	if config.TopK == 0 {
		config.TopK = DefaultTopK
	}
	if config.TopK < 0 {
		return nil, fmt.Errorf("%w: top-k must be positive", models.ErrConfiguration)
	}
	if embedder == nil || store == nil {
		return nil, fmt.Errorf("%w: embedder and store are required", models.ErrConfiguration)
	}
	return &Retriever{config: config, embedder: embedder, store: store}, nil
}

// TopK is the configured default k.
func (r *Retriever) TopK() int {
	return r.config.TopK
}

// Retrieve embeds query, searches documentID (or all documents when
// empty) and resolves linked media. An empty corpus yields an empty
// result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query, documentID string, k int) ([]models.Source, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", models.ErrConfiguration)
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := r.store.SimilaritySearch(ctx, vector, documentID, k)
	if err != nil {
		return nil, err
	}
	if len(scored) == 0 {
		return nil, nil
	}

	chunkIDs := make([]string, len(scored))
	for i, sc := range scored {
		chunkIDs[i] = sc.ID
	}
	linked, err := r.store.MediaForChunks(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}

	sources := make([]models.Source, 0, len(scored))
	for _, sc := range scored {
		sources = append(sources, models.Source{
			Kind:    models.SourceText,
			Page:    sc.Page,
			Content: sc.Content,
			Score:   sc.Score,
		})
	}

	// Media follow the text sources, each at the rank of the first
	// retrieved chunk linking it; an element linked from two retrieved
	// chunks appears once.
	seen := make(map[string]bool)
	for _, sc := range scored {
		for _, m := range linked[sc.ID] {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			sources = append(sources, mediaSource(m))
		}
	}
	return sources, nil
}

func mediaSource(m models.MediaElement) models.Source {
	src := models.Source{
		Page:    m.Page,
		Locator: m.Locator,
		Caption: m.Caption,
	}
	switch m.Kind {
	case models.MediaTable:
		src.Kind = models.SourceTable
		src.Rows = m.Rows
		src.Columns = m.Columns
	default:
		src.Kind = models.SourceImage
	}
	return src
}
