package types

import (
	"context"

	"github.com/xhad/papyrus/internal/models"
)

// Store is the single source of truth for documents, chunk vectors,
// media, links and conversations. Implementations must make
// ReplaceDocumentContent and AppendTurn atomic: concurrent readers
// never observe a half-replaced document or a half-written turn.
type Store interface {
	CreateDocument(ctx context.Context, doc models.Document) error
	GetDocument(ctx context.Context, id string) (models.Document, error)
	ListDocuments(ctx context.Context) ([]models.Document, error)

	// ClaimDocument atomically moves a document to processing. It
	// reports false when the document is already processing,
	// guaranteeing at most one job per id; completed and error
	// documents are claimable again for reprocessing.
	ClaimDocument(ctx context.Context, id string) (bool, error)
	MarkDocumentError(ctx context.Context, id, message string) error
	MarkDocumentCompleted(ctx context.Context, id string, pages, chunks, images, tables int) error

	// DeleteDocument removes the document and everything owned by it.
	// Deleting an absent document is a no-op.
	DeleteDocument(ctx context.Context, id string) error

	// ReplaceDocumentContent replaces all chunks, media and links for
	// the document in one atomic region.
	ReplaceDocumentContent(ctx context.Context, documentID string, chunks []models.Chunk, media []models.MediaElement, links []models.ChunkMediaLink) error
	ChunksByDocument(ctx context.Context, documentID string) ([]models.Chunk, error)
	MediaByDocument(ctx context.Context, documentID string) ([]models.MediaElement, error)
	ReplaceLinks(ctx context.Context, documentID string, links []models.ChunkMediaLink) error
	MediaForChunks(ctx context.Context, chunkIDs []string) (map[string][]models.MediaElement, error)

	// SimilaritySearch returns up to k chunks ranked by descending
	// cosine similarity to the query vector, ties broken by lower chunk
	// index. An empty documentID searches across all documents.
	SimilaritySearch(ctx context.Context, query []float32, documentID string, k int) ([]models.ScoredChunk, error)

	CreateConversation(ctx context.Context, conv models.Conversation) error
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	MessagesByConversation(ctx context.Context, conversationID string) ([]models.Message, error)

	// AppendTurn appends the user and assistant messages of one chat
	// turn as a single atomic write.
	AppendTurn(ctx context.Context, conversationID string, user, assistant models.Message) error

	Close()
}

// EmbeddingProvider is the raw embedding model boundary. The langchaingo
// ollama client satisfies it directly.
type EmbeddingProvider interface {
	CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedder is the gateway the pipeline and retriever consume: batched,
// retried, dimension-checked embeddings in one metric space for both
// chunks and queries.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// Extractor turns one source document into the normalized element list
// the pipeline consumes, plus the page count. PDF layout analysis and
// OCR live behind this boundary, outside the core.
type Extractor interface {
	Extract(ctx context.Context, source string) ([]models.RawElement, int, error)
}

// Retriever answers a query with ranked, citation-ready sources.
type Retriever interface {
	Retrieve(ctx context.Context, query, documentID string, k int) ([]models.Source, error)
}
