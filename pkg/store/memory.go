package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xhad/papyrus/internal/models"
)

// MemoryStore is an in-memory Store used by tests and as a
// zero-dependency development mode. All operations take the store lock,
// so replacement and turn appends are atomic with respect to readers.
type MemoryStore struct {
	mu     sync.RWMutex
	docs   map[string]models.Document
	chunks map[string][]models.Chunk
	media  map[string][]models.MediaElement
	links  map[string][]models.ChunkMediaLink
	convs  map[string]models.Conversation
	msgs   map[string][]models.Message
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]models.Document),
		chunks: make(map[string][]models.Chunk),
		media:  make(map[string][]models.MediaElement),
		links:  make(map[string][]models.ChunkMediaLink),
		convs:  make(map[string]models.Conversation),
		msgs:   make(map[string][]models.Message),
	}
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	doc.CreatedAt, doc.UpdatedAt = now, now
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	s.docs[doc.ID] = doc
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return models.Document{}, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	return doc, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ClaimDocument(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return false, fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	if doc.Status == models.StatusProcessing {
		return false, nil
	}
	doc.Status = models.StatusProcessing
	doc.ErrorMessage = ""
	doc.UpdatedAt = time.Now()
	s.docs[id] = doc
	return true, nil
}

func (s *MemoryStore) MarkDocumentError(_ context.Context, id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	doc.Status = models.StatusError
	doc.ErrorMessage = message
	doc.UpdatedAt = time.Now()
	s.docs[id] = doc
	return nil
}

func (s *MemoryStore) MarkDocumentCompleted(_ context.Context, id string, pages, chunks, images, tables int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, models.ErrNotFound)
	}
	doc.Status = models.StatusCompleted
	doc.ErrorMessage = ""
	doc.TotalPages = pages
	doc.ChunkCount = chunks
	doc.ImageCount = images
	doc.TableCount = tables
	doc.UpdatedAt = time.Now()
	s.docs[id] = doc
	return nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, id)
	delete(s.chunks, id)
	delete(s.media, id)
	delete(s.links, id)

	for convID, conv := range s.convs {
		if conv.DocumentID == id {
			delete(s.convs, convID)
			delete(s.msgs, convID)
		}
	}
	return nil
}

func (s *MemoryStore) ReplaceDocumentContent(_ context.Context, documentID string, chunks []models.Chunk, media []models.MediaElement, links []models.ChunkMediaLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[documentID]; !ok {
		return fmt.Errorf("document %s: %w", documentID, models.ErrNotFound)
	}
	s.chunks[documentID] = append([]models.Chunk(nil), chunks...)
	s.media[documentID] = append([]models.MediaElement(nil), media...)
	s.links[documentID] = append([]models.ChunkMediaLink(nil), links...)
	return nil
}

func (s *MemoryStore) ChunksByDocument(_ context.Context, documentID string) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]models.Chunk(nil), s.chunks[documentID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) MediaByDocument(_ context.Context, documentID string) ([]models.MediaElement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.MediaElement(nil), s.media[documentID]...), nil
}

func (s *MemoryStore) ReplaceLinks(_ context.Context, documentID string, links []models.ChunkMediaLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[documentID] = append([]models.ChunkMediaLink(nil), links...)
	return nil
}

func (s *MemoryStore) MediaForChunks(_ context.Context, chunkIDs []string) (map[string][]models.MediaElement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		wanted[id] = true
	}

	byID := make(map[string]models.MediaElement)
	for _, elems := range s.media {
		for _, m := range elems {
			byID[m.ID] = m
		}
	}

	out := make(map[string][]models.MediaElement)
	for _, links := range s.links {
		for _, link := range links {
			if !wanted[link.ChunkID] {
				continue
			}
			if m, ok := byID[link.MediaID]; ok {
				out[link.ChunkID] = append(out[link.ChunkID], m)
			}
		}
	}
	for id := range out {
		elems := out[id]
		sort.Slice(elems, func(i, j int) bool {
			if elems[i].Page != elems[j].Page {
				return elems[i].Page < elems[j].Page
			}
			return elems[i].Locator < elems[j].Locator
		})
	}
	return out, nil
}

func (s *MemoryStore) SimilaritySearch(_ context.Context, query []float32, documentID string, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", models.ErrConfiguration)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var scored []models.ScoredChunk
	for docID, chunks := range s.chunks {
		if documentID != "" && docID != documentID {
			continue
		}
		for _, ch := range chunks {
			if len(ch.Embedding) != len(query) {
				return nil, fmt.Errorf("%w: chunk has %d dimensions, query has %d",
					models.ErrDimensionMismatch, len(ch.Embedding), len(query))
			}
			scored = append(scored, models.ScoredChunk{Chunk: ch, Score: CosineSimilarity(query, ch.Embedding)})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Index < scored[j].Index
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	conv.CreatedAt, conv.UpdatedAt = now, now
	s.convs[conv.ID] = conv
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return models.Conversation{}, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	return conv, nil
}

func (s *MemoryStore) ListConversations(_ context.Context) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.convs, id)
	delete(s.msgs, id)
	return nil
}

func (s *MemoryStore) MessagesByConversation(_ context.Context, conversationID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]models.Message(nil), s.msgs[conversationID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, conversationID string, user, assistant models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
	}

	now := time.Now()
	seq := len(s.msgs[conversationID])

	user.ConversationID = conversationID
	user.Seq = seq
	user.CreatedAt = now
	assistant.ConversationID = conversationID
	assistant.Seq = seq + 1
	assistant.CreatedAt = now

	s.msgs[conversationID] = append(s.msgs[conversationID], user, assistant)
	conv.UpdatedAt = now
	s.convs[conversationID] = conv
	return nil
}

func (s *MemoryStore) Close() {}

// CosineSimilarity is the normalized similarity in [0, 1] between two
// vectors, 1 - cosine distance clamped at the boundaries.
func CosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return float32(sim)
}
