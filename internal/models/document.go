package models

import "time"

// DocumentStatus tracks a document through the processing state machine:
// pending -> processing -> completed, with processing -> error on failure.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusError      DocumentStatus = "error"
)

type Document struct {
	ID           string
	Filename     string // display name
	Source       string // ingest input (path or URL); retries re-extract from it
	Status       DocumentStatus
	ErrorMessage string
	TotalPages   int
	ChunkCount   int
	ImageCount   int
	TableCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Chunk is one contiguous span of a document's extracted text,
// immutable once written. Index is zero-based and contiguous within
// the owning document.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Content    string
	Page       int
	Embedding  []float32
}

// ScoredChunk is a chunk returned from similarity search together with
// its normalized similarity in [0, 1], 1 meaning identical.
type ScoredChunk struct {
	Chunk
	Score float32
}
