package retriever_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/papyrus/internal/models"
	"github.com/xhad/papyrus/pkg/retriever"
	"github.com/xhad/papyrus/pkg/store"
)

// fixedEmbedder maps known texts to fixed vectors so ranking is
// deterministic without a provider.
type fixedEmbedder struct {
	vectors map[string][]float32
	dim     int
}

func (f *fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out, nil
}

func (f *fixedEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return f.vectors[text], nil
}

func (f *fixedEmbedder) Dimension() int { return f.dim }

func TestRetrieveReturnsChunkAndLinkedTable(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateDocument(ctx, models.Document{ID: "doc"}))

	require.NoError(t, s.ReplaceDocumentContent(ctx, "doc",
		[]models.Chunk{
			{ID: "c0", DocumentID: "doc", Index: 0, Page: 3,
				Content: "Annual revenue grew to $12M.", Embedding: []float32{1, 0}},
			{ID: "c1", DocumentID: "doc", Index: 1, Page: 7,
				Content: "Unrelated appendix.", Embedding: []float32{0, 1}},
		},
		[]models.MediaElement{
			{ID: "m0", DocumentID: "doc", Kind: models.MediaTable, Page: 3,
				Locator: "tables/rev.png", Caption: "Revenue Table", Rows: 4, Columns: 2},
		},
		[]models.ChunkMediaLink{{ChunkID: "c0", MediaID: "m0"}}))

	emb := &fixedEmbedder{dim: 2, vectors: map[string][]float32{
		"What is the revenue?": {1, 0},
	}}
	r, err := retriever.NewWithConfig(retriever.RetrieverConfig{}, emb, s)
	require.NoError(t, err)

	sources, err := r.Retrieve(ctx, "What is the revenue?", "doc", 1)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	assert.Equal(t, models.SourceText, sources[0].Kind)
	assert.Equal(t, 3, sources[0].Page)
	assert.InDelta(t, 1.0, float64(sources[0].Score), 1e-4)

	assert.Equal(t, models.SourceTable, sources[1].Kind)
	assert.Equal(t, "Revenue Table", sources[1].Caption)
	assert.Equal(t, 4, sources[1].Rows)
	assert.Equal(t, 2, sources[1].Columns)
}

func TestRetrieveDeduplicatesMediaAcrossChunks(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateDocument(ctx, models.Document{ID: "doc"}))

	require.NoError(t, s.ReplaceDocumentContent(ctx, "doc",
		[]models.Chunk{
			{ID: "c0", DocumentID: "doc", Index: 0, Page: 2, Content: "a", Embedding: []float32{1, 0}},
			{ID: "c1", DocumentID: "doc", Index: 1, Page: 2, Content: "b", Embedding: []float32{0.9, 0.1}},
		},
		[]models.MediaElement{
			{ID: "m0", DocumentID: "doc", Kind: models.MediaImage, Page: 2, Locator: "images/fig.png", Caption: "Figure 1"},
		},
		[]models.ChunkMediaLink{
			{ChunkID: "c0", MediaID: "m0"},
			{ChunkID: "c1", MediaID: "m0"},
		}))

	emb := &fixedEmbedder{dim: 2, vectors: map[string][]float32{"q": {1, 0}}}
	r, err := retriever.NewWithConfig(retriever.RetrieverConfig{}, emb, s)
	require.NoError(t, err)

	sources, err := r.Retrieve(ctx, "q", "doc", 5)
	require.NoError(t, err)

	var mediaCount int
	for _, src := range sources {
		if src.Kind == models.SourceImage {
			mediaCount++
		}
	}
	assert.Equal(t, 1, mediaCount, "media linked to two retrieved chunks appears once")
	assert.Len(t, sources, 3)
}

func TestRetrieveEmptyCorpus(t *testing.T) {
	s := store.NewMemory()
	emb := &fixedEmbedder{dim: 2, vectors: map[string][]float32{"q": {1, 0}}}
	r, err := retriever.NewWithConfig(retriever.RetrieverConfig{}, emb, s)
	require.NoError(t, err)

	sources, err := r.Retrieve(context.Background(), "q", "", 5)
	require.NoError(t, err)
	assert.Empty(t, sources)
}

func TestRetrieveInvalidK(t *testing.T) {
	emb := &fixedEmbedder{dim: 2, vectors: map[string][]float32{}}
	r, err := retriever.NewWithConfig(retriever.RetrieverConfig{}, emb, store.NewMemory())
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), "q", "", 0)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
