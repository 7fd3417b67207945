package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/xhad/papyrus/internal/models"
	"github.com/xhad/papyrus/internal/types"
	"github.com/xhad/papyrus/pkg/chunker"
	"github.com/xhad/papyrus/pkg/linker"
)

// Pipeline runs document ingestion end to end: claim, extract, chunk,
// embed, link, one atomic content replacement, then the completed mark.
// The claim is a compare-and-set on document status, so at most one job
// runs per document id; a second ingest or retry while one is in flight
// is rejected. Deleting a document cancels its job, which aborts before
// the content write.
type Pipeline struct {
	store     types.Store
	extractor types.Extractor
	chunker   *chunker.Chunker
	embedder  types.Embedder
	linker    *linker.Linker

	mu   sync.Mutex
	jobs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func New(store types.Store, ext types.Extractor, ch *chunker.Chunker, emb types.Embedder, lk *linker.Linker) (*Pipeline, error) {
	if store == nil || ext == nil || ch == nil || emb == nil || lk == nil {
		return nil, fmt.Errorf("%w: store, extractor, chunker, embedder and linker are required", models.ErrConfiguration)
	}
	return &Pipeline{
		store:     store,
		extractor: ext,
		chunker:   ch,
		embedder:  emb,
		linker:    lk,
		jobs:      make(map[string]context.CancelFunc),
	}, nil
}

// Process ingests documentID from source synchronously. The caller gets
// ErrBusy when a job already holds the document. A step failure records
// status=error with the message and leaves any previously completed
// content in place.
func (p *Pipeline) Process(ctx context.Context, documentID, source string) error {
	claimed, err := p.store.ClaimDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("document %s is already processing: %w", documentID, models.ErrBusy)
	}
	return p.run(ctx, documentID, source)
}

// Start claims documentID and ingests it in the background. The claim
// happens before Start returns, so the caller learns about a busy
// document immediately; ctx covers the claim only, not the job.
func (p *Pipeline) Start(ctx context.Context, documentID, source string) error {
	claimed, err := p.store.ClaimDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("document %s is already processing: %w", documentID, models.ErrBusy)
	}

	jobCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.jobs[documentID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.finish(documentID)
		if err := p.run(jobCtx, documentID, source); err != nil {
			log.Printf("pipeline: document %s: %v", documentID, err)
		}
	}()
	return nil
}

// Delete cancels any in-flight job for documentID and removes the
// document with everything it owns. Deleting an absent document is a
// no-op.
func (p *Pipeline) Delete(ctx context.Context, documentID string) error {
	p.mu.Lock()
	cancel, running := p.jobs[documentID]
	p.mu.Unlock()
	if running {
		cancel()
	}
	return p.store.DeleteDocument(ctx, documentID)
}

// Wait blocks until all background jobs have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) finish(documentID string) {
	p.mu.Lock()
	if cancel, ok := p.jobs[documentID]; ok {
		cancel()
		delete(p.jobs, documentID)
	}
	p.mu.Unlock()
}

func (p *Pipeline) run(ctx context.Context, documentID, source string) error {
	err := p.ingest(ctx, documentID, source)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		// The job was cancelled by deletion; the document is going away
		// and there is no status left to record.
		return err
	}
	// The error status is recorded on a fresh context: the job context
	// may already be poisoned by the failure itself.
	if markErr := p.store.MarkDocumentError(context.Background(), documentID, err.Error()); markErr != nil && !errors.Is(markErr, models.ErrNotFound) {
		log.Printf("pipeline: failed to record error for document %s: %v", documentID, markErr)
	}
	return err
}

func (p *Pipeline) ingest(ctx context.Context, documentID, source string) error {
	elements, pages, err := p.extractor.Extract(ctx, source)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	chunks := p.chunker.Split(documentID, elements)
	media := mediaElements(documentID, elements)

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.Content
		}
		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding failed: %w", err)
		}
		if len(vectors) != len(chunks) {
			return fmt.Errorf("%w: got %d embeddings for %d chunks",
				models.ErrProviderUnavailable, len(vectors), len(chunks))
		}
		for i := range chunks {
			chunks[i].Embedding = vectors[i]
		}
	}

	links := p.linker.Compute(chunks, media)

	// Last cancellation check before the destructive write, so a job
	// cancelled by deletion never resurrects content for a removed id.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.store.ReplaceDocumentContent(ctx, documentID, chunks, media, links); err != nil {
		return fmt.Errorf("content replacement failed: %w", err)
	}

	images, tables := 0, 0
	for _, m := range media {
		if m.Kind == models.MediaImage {
			images++
		} else {
			tables++
		}
	}
	if err := p.store.MarkDocumentCompleted(ctx, documentID, pages, len(chunks), images, tables); err != nil {
		return fmt.Errorf("completion mark failed: %w", err)
	}
	return nil
}

func mediaElements(documentID string, elements []models.RawElement) []models.MediaElement {
	var media []models.MediaElement
	for _, el := range elements {
		var kind models.MediaKind
		switch el.Kind {
		case models.ElementImage:
			kind = models.MediaImage
		case models.ElementTable:
			kind = models.MediaTable
		default:
			continue
		}
		media = append(media, models.MediaElement{
			ID:         uuid.New().String(),
			DocumentID: documentID,
			Kind:       kind,
			Page:       el.Page,
			Locator:    el.Locator,
			Caption:    el.Caption,
			Rows:       el.Rows,
			Columns:    el.Columns,
		})
	}
	return media
}
