package chunker_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/papyrus/internal/models"
	"github.com/xhad/papyrus/pkg/chunker"
)

func textBlock(page int, content string) models.RawElement {
	return models.RawElement{Kind: models.ElementText, Page: page, Content: content}
}

func TestNewWithConfigRejectsOverlapAtLeastChunkSize(t *testing.T) {
	_, err := chunker.NewWithConfig(chunker.ChunkerConfig{ChunkSize: 100, ChunkOverlap: 100})
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = chunker.NewWithConfig(chunker.ChunkerConfig{ChunkSize: 100, ChunkOverlap: 150})
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = chunker.NewWithConfig(chunker.ChunkerConfig{ChunkSize: 100, ChunkOverlap: -1})
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestSplitEmptyInput(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.ChunkerConfig{})
	require.NoError(t, err)

	assert.Empty(t, c.Split("doc", nil))
	assert.Empty(t, c.Split("doc", []models.RawElement{textBlock(1, "")}))
	assert.Empty(t, c.Split("doc", []models.RawElement{
		{Kind: models.ElementImage, Page: 1, Locator: "img.png"},
	}))
}

func TestSplitThreeBlocksTwoPages(t *testing.T) {
	// 3 blocks on pages 1, 1, 2 totaling 2400 characters with
	// size=1000 overlap=200 must produce exactly 3 chunks with pages
	// [1, 1, 2] and a 200-character overlap between chunks 2 and 3.
	c, err := chunker.NewWithConfig(chunker.ChunkerConfig{ChunkSize: 1000, ChunkOverlap: 200})
	require.NoError(t, err)

	blocks := []models.RawElement{
		textBlock(1, strings.Repeat("a", 800)),
		textBlock(1, strings.Repeat("b", 800)),
		textBlock(2, strings.Repeat("c", 800)),
	}

	chunks := c.Split("doc-1", blocks)
	require.Len(t, chunks, 3)

	assert.Equal(t, []int{1, 1, 2}, []int{chunks[0].Page, chunks[1].Page, chunks[2].Page})
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.Equal(t, "doc-1", ch.DocumentID)
		assert.NotEmpty(t, ch.ID)
	}

	tail := chunks[1].Content[len(chunks[1].Content)-200:]
	head := chunks[2].Content[:200]
	assert.Equal(t, tail, head)
}

func TestSplitReconstructsOriginalText(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.ChunkerConfig{ChunkSize: 50, ChunkOverlap: 10})
	require.NoError(t, err)

	blocks := []models.RawElement{
		textBlock(1, "The quick brown fox jumps over the lazy dog."),
		textBlock(2, "Pack my box with five dozen liquor jugs and then some more text."),
		textBlock(3, "Sphinx of black quartz, judge my vow."),
	}
	joined := blocks[0].Content + "\n\n" + blocks[1].Content + "\n\n" + blocks[2].Content

	chunks := c.Split("doc", blocks)
	require.NotEmpty(t, chunks)

	var rebuilt strings.Builder
	for i, ch := range chunks {
		if i == 0 {
			rebuilt.WriteString(ch.Content)
			continue
		}
		rebuilt.WriteString(ch.Content[10:])
	}
	assert.Equal(t, joined, rebuilt.String())
}

func TestSplitAdjacentOverlapExact(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.ChunkerConfig{ChunkSize: 30, ChunkOverlap: 7})
	require.NoError(t, err)

	chunks := c.Split("doc", []models.RawElement{textBlock(1, strings.Repeat("x y z ", 40))})
	require.Greater(t, len(chunks), 2)

	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1].Content
		assert.Equal(t, prev[len(prev)-7:], chunks[i].Content[:7])
	}
}

func TestMajorityPageTieBreaksEarliest(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.ChunkerConfig{ChunkSize: 300, ChunkOverlap: 0})
	require.NoError(t, err)

	// 98 chars on page 1 plus the 2-char block separator equals the
	// 100 chars on page 2: an exact tie goes to the earlier page.
	chunks := c.Split("doc", []models.RawElement{
		textBlock(1, strings.Repeat("a", 98)),
		textBlock(2, strings.Repeat("b", 100)),
	})
	require.Len(t, chunks, 1)
	assert.Equal(t, 1, chunks[0].Page)
}

func TestSplitMultibyteRuneBoundaries(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.ChunkerConfig{ChunkSize: 10, ChunkOverlap: 3})
	require.NoError(t, err)

	// Three-byte runes: a byte-indexed window would cut mid-rune.
	chunks := c.Split("doc", []models.RawElement{textBlock(1, strings.Repeat("日本語テキスト", 5))})
	require.Greater(t, len(chunks), 2)

	for _, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Content))
		assert.LessOrEqual(t, utf8.RuneCountInString(ch.Content), 10)
	}
	for i := 1; i < len(chunks); i++ {
		prev := []rune(chunks[i-1].Content)
		next := []rune(chunks[i].Content)
		assert.Equal(t, string(prev[len(prev)-3:]), string(next[:3]))
	}
}

func TestSplitSingleShortBlock(t *testing.T) {
	c, err := chunker.NewWithConfig(chunker.ChunkerConfig{ChunkSize: 1000, ChunkOverlap: 200})
	require.NoError(t, err)

	chunks := c.Split("doc", []models.RawElement{textBlock(4, "short text")})
	require.Len(t, chunks, 1)
	assert.Equal(t, "short text", chunks[0].Content)
	assert.Equal(t, 4, chunks[0].Page)
	assert.Equal(t, 0, chunks[0].Index)
}
