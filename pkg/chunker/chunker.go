package chunker

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/xhad/papyrus/internal/models"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// blockSeparator joins consecutive text blocks before windowing, the
// same blank-line boundary the extractor's markdown-ish output uses.
const blockSeparator = "\n\n"

type ChunkerConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

// Chunker splits a document's ordered text blocks into an overlapping
// sliding window of page-tracked chunks. Adjacent chunks share exactly
// ChunkOverlap characters; concatenating the output with the overlaps
// removed reconstructs the joined input text.
type Chunker struct {
	config ChunkerConfig
}

func NewWithConfig(config ChunkerConfig) (*Chunker, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ChunkSize < 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", models.ErrConfiguration)
	}
	if config.ChunkOverlap < 0 {
		return nil, fmt.Errorf("%w: chunk overlap cannot be negative", models.ErrConfiguration)
	}
	if config.ChunkOverlap >= config.ChunkSize {
		return nil, fmt.Errorf("%w: chunk overlap %d must be less than chunk size %d",
			models.ErrConfiguration, config.ChunkOverlap, config.ChunkSize)
	}
	return &Chunker{config: config}, nil
}

// pageSpan marks the rune offset at which a page's text begins in the
// joined input. Separator runes belong to the preceding block's page.
type pageSpan struct {
	start int
	page  int
}

// Split windows the text elements of blocks into chunks for documentID.
// Sizes and overlap count runes, so a window edge never cuts a
// multibyte character in half. Non-text elements are ignored. Empty
// input yields no chunks.
func (c *Chunker) Split(documentID string, blocks []models.RawElement) []models.Chunk {
	var (
		text  []rune
		spans []pageSpan
	)
	for _, block := range blocks {
		if block.Kind != models.ElementText || block.Content == "" {
			continue
		}
		if len(text) > 0 {
			text = append(text, []rune(blockSeparator)...)
		}
		spans = append(spans, pageSpan{start: len(text), page: block.Page})
		text = append(text, []rune(block.Content)...)
	}

	if len(text) == 0 {
		return nil
	}

	step := c.config.ChunkSize - c.config.ChunkOverlap

	var chunks []models.Chunk
	for start := 0; start < len(text); start += step {
		end := start + c.config.ChunkSize
		if end > len(text) {
			end = len(text)
		}

		chunks = append(chunks, models.Chunk{
			ID:         uuid.New().String(),
			DocumentID: documentID,
			Index:      len(chunks),
			Content:    string(text[start:end]),
			Page:       majorityPage(spans, start, end, len(text)),
		})

		if end == len(text) {
			break
		}
	}
	return chunks
}

// majorityPage returns the page owning the most characters in
// [start, end), preferring the lowest page number on a tie.
func majorityPage(spans []pageSpan, start, end, total int) int {
	counts := make(map[int]int)
	for i, span := range spans {
		spanEnd := total
		if i+1 < len(spans) {
			spanEnd = spans[i+1].start
		}
		lo, hi := span.start, spanEnd
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		if hi > lo {
			counts[span.page] += hi - lo
		}
	}

	best, bestCount := 0, -1
	for page, count := range counts {
		if count > bestCount || (count == bestCount && page < best) {
			best, bestCount = page, count
		}
	}
	return best
}
