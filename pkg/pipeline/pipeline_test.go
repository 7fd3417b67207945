package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/papyrus/internal/models"
	"github.com/xhad/papyrus/pkg/chunker"
	"github.com/xhad/papyrus/pkg/linker"
	"github.com/xhad/papyrus/pkg/pipeline"
	"github.com/xhad/papyrus/pkg/store"
)

type fakeExtractor struct {
	elements []models.RawElement
	pages    int
	err      error
}

func (f *fakeExtractor) Extract(_ context.Context, _ string) ([]models.RawElement, int, error) {
	return f.elements, f.pages, f.err
}

// unitEmbedder emits a fixed-dimension vector per text. entered/release,
// when set, gate each call so tests can overlap processing with deletes.
type unitEmbedder struct {
	err     error
	entered chan struct{}
	release chan struct{}
}

func (u *unitEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if u.entered != nil {
		u.entered <- struct{}{}
		<-u.release
	}
	if u.err != nil {
		return nil, u.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (u *unitEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := u.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (u *unitEmbedder) Dimension() int { return 2 }

func newTestPipeline(t *testing.T, s *store.MemoryStore, ext *fakeExtractor, emb *unitEmbedder) *pipeline.Pipeline {
	t.Helper()
	ch, err := chunker.NewWithConfig(chunker.ChunkerConfig{})
	require.NoError(t, err)
	lk, err := linker.NewWithConfig(linker.LinkerConfig{}, s)
	require.NoError(t, err)
	p, err := pipeline.New(s, ext, ch, emb, lk)
	require.NoError(t, err)
	return p
}

func TestProcessCompletesDocument(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateDocument(ctx, models.Document{ID: "doc", Filename: "report.html"}))

	ext := &fakeExtractor{
		pages: 2,
		elements: []models.RawElement{
			{Kind: models.ElementText, Page: 1, Content: "Quarterly results were strong."},
			{Kind: models.ElementImage, Page: 1, Locator: "images/fig1.png", Caption: "Figure 1"},
			{Kind: models.ElementText, Page: 2, Content: "The appendix lists methodology."},
			{Kind: models.ElementTable, Page: 2, Locator: "tables/t1.png", Caption: "Methods", Rows: 3, Columns: 2},
		},
	}
	p := newTestPipeline(t, s, ext, &unitEmbedder{})

	require.NoError(t, p.Process(ctx, "doc", "report.html"))

	doc, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, 2, doc.TotalPages)
	assert.Equal(t, 1, doc.ChunkCount)
	assert.Equal(t, 1, doc.ImageCount)
	assert.Equal(t, 1, doc.TableCount)

	chunks, err := s.ChunksByDocument(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0].Embedding, 2)

	// Both text blocks land in one chunk on page 1, so only the page 1
	// image gets linked under the default same-page window.
	linked, err := s.MediaForChunks(ctx, []string{chunks[0].ID})
	require.NoError(t, err)
	require.Len(t, linked[chunks[0].ID], 1)
	assert.Equal(t, models.MediaImage, linked[chunks[0].ID][0].Kind)
}

func TestProcessRejectsInFlightDocument(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateDocument(ctx, models.Document{ID: "doc", Status: models.StatusProcessing}))

	p := newTestPipeline(t, s, &fakeExtractor{}, &unitEmbedder{})
	err := p.Process(ctx, "doc", "x")
	assert.ErrorIs(t, err, models.ErrBusy)
}

func TestProcessFailureRecordsErrorAndKeepsOldContent(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateDocument(ctx, models.Document{ID: "doc"}))

	ext := &fakeExtractor{
		pages: 1,
		elements: []models.RawElement{
			{Kind: models.ElementText, Page: 1, Content: "original content"},
		},
	}
	p := newTestPipeline(t, s, ext, &unitEmbedder{})
	require.NoError(t, p.Process(ctx, "doc", "x"))

	old, err := s.ChunksByDocument(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, old, 1)

	failing := newTestPipeline(t, s, ext, &unitEmbedder{err: errors.New("provider down")})
	err = failing.Process(ctx, "doc", "x")
	require.Error(t, err)

	doc, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, doc.Status)
	assert.Contains(t, doc.ErrorMessage, "provider down")

	kept, err := s.ChunksByDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, old, kept, "failed retry leaves prior content untouched")

	// The error status is claimable again, so a later retry can succeed.
	ok := newTestPipeline(t, s, ext, &unitEmbedder{})
	require.NoError(t, ok.Process(ctx, "doc", "x"))
	doc, err = s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, doc.Status)
}

func TestProcessMissingDocument(t *testing.T) {
	p := newTestPipeline(t, store.NewMemory(), &fakeExtractor{}, &unitEmbedder{})
	err := p.Process(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteCancelsInFlightJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateDocument(ctx, models.Document{ID: "doc"}))

	emb := &unitEmbedder{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	ext := &fakeExtractor{
		pages: 1,
		elements: []models.RawElement{
			{Kind: models.ElementText, Page: 1, Content: "about to be deleted"},
		},
	}
	p := newTestPipeline(t, s, ext, emb)

	require.NoError(t, p.Start(ctx, "doc", "x"))
	<-emb.entered

	require.NoError(t, p.Delete(ctx, "doc"))
	close(emb.release)
	p.Wait()

	_, err := s.GetDocument(ctx, "doc")
	assert.ErrorIs(t, err, models.ErrNotFound)

	chunks, err := s.ChunksByDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, chunks, "cancelled job persists nothing for the deleted id")
}

func TestStartRunsInBackground(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	require.NoError(t, s.CreateDocument(ctx, models.Document{ID: "doc"}))

	ext := &fakeExtractor{
		pages: 1,
		elements: []models.RawElement{
			{Kind: models.ElementText, Page: 1, Content: "background ingest"},
		},
	}
	p := newTestPipeline(t, s, ext, &unitEmbedder{})

	require.NoError(t, p.Start(ctx, "doc", "x"))

	// A second start while the claim is held is rejected, not queued.
	err := p.Start(ctx, "doc", "x")
	if err != nil {
		assert.ErrorIs(t, err, models.ErrBusy)
	}

	p.Wait()
	deadline := time.Now().Add(time.Second)
	for {
		doc, err := s.GetDocument(ctx, "doc")
		require.NoError(t, err)
		if doc.Status == models.StatusCompleted || time.Now().After(deadline) {
			assert.Equal(t, models.StatusCompleted, doc.Status)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}
