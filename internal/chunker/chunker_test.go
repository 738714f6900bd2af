package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragpipe/internal/domain"
)

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func TestChunkThousandWords(t *testing.T) {
	c, err := New(Config{ChunkSize: 512, Overlap: 50, MinTokens: 10})
	require.NoError(t, err)

	doc := domain.Document{ID: "doc", SourcePath: "/tmp/Returns_Policy.pdf", RawText: words(1000)}
	chunks, err := c.Chunk(doc)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, [2]int{0, 512}, [2]int{chunks[0].StartOffset, chunks[0].EndOffset})
	assert.Equal(t, [2]int{462, 974}, [2]int{chunks[1].StartOffset, chunks[1].EndOffset})
	assert.Equal(t, [2]int{924, 1000}, [2]int{chunks[2].StartOffset, chunks[2].EndOffset})
	for i, ch := range chunks {
		assert.Equal(t, i, ch.ChunkIndex)
		assert.Equal(t, fmt.Sprintf("doc#%d", i), ch.ChunkID)
		assert.Equal(t, "Returns_Policy.pdf", ch.Metadata["source_filename"])
		assert.Equal(t, 3, ch.Metadata["total_chunks"])
	}
}

func TestChunkOverlapIsTextuallyIdentical(t *testing.T) {
	text := words(777)
	for _, cfg := range []Config{
		{ChunkSize: 10, Overlap: 0},
		{ChunkSize: 10, Overlap: 3},
		{ChunkSize: 64, Overlap: 63},
		{ChunkSize: 512, Overlap: 50},
		{ChunkSize: 100, Overlap: 99},
	} {
		t.Run(fmt.Sprintf("%d_%d", cfg.ChunkSize, cfg.Overlap), func(t *testing.T) {
			c, err := New(cfg)
			require.NoError(t, err)
			chunks, err := c.Chunk(domain.Document{ID: "d", RawText: text})
			require.NoError(t, err)
			require.NotEmpty(t, chunks)
			assert.Equal(t, 777, chunks[len(chunks)-1].EndOffset)
			for i := 1; i < len(chunks); i++ {
				prev := strings.Fields(chunks[i-1].Text)
				cur := strings.Fields(chunks[i].Text)
				tail := prev[len(prev)-cfg.Overlap:]
				head := cur[:cfg.Overlap]
				assert.Equal(t, tail, head)
				assert.Equal(t, chunks[i-1].EndOffset-cfg.Overlap, chunks[i].StartOffset)
			}
		})
	}
}

func TestChunkDropsShortChunks(t *testing.T) {
	c, err := New(Config{ChunkSize: 20, Overlap: 0, MinTokens: 10})
	require.NoError(t, err)
	chunks, err := c.Chunk(domain.Document{ID: "d", RawText: words(45)})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 40, chunks[1].EndOffset)
	assert.Equal(t, 2, chunks[0].Metadata["total_chunks"])

	chunks, err = c.Chunk(domain.Document{ID: "d", RawText: words(5)})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkPageMetadata(t *testing.T) {
	c, err := New(Config{ChunkSize: 10, Overlap: 2})
	require.NoError(t, err)
	doc := domain.Document{
		ID:      "d",
		RawText: words(25),
		Pages:   []domain.PageSpan{{Page: 1, Start: 0, End: 9}, {Page: 2, Start: 9, End: 25}},
	}
	chunks, err := c.Chunk(doc)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 1, chunks[0].Metadata["page"])
	assert.Equal(t, 2, chunks[0].Metadata["page_end"])
	assert.Equal(t, 1, chunks[1].Metadata["page"])
	assert.Equal(t, 2, chunks[2].Metadata["page"])
	assert.Equal(t, 2, chunks[2].Metadata["page_end"])
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{ChunkSize: 0},
		{ChunkSize: 10, Overlap: 10},
		{ChunkSize: 10, Overlap: 11},
		{ChunkSize: 10, Overlap: -1},
		{ChunkSize: 10, MinTokens: -1},
	} {
		_, err := New(cfg)
		var cfgErr *domain.ConfigurationError
		assert.ErrorAs(t, err, &cfgErr, "%+v", cfg)
	}
}

func TestChunkEmptyDocument(t *testing.T) {
	c, err := New(Config{ChunkSize: 10, Overlap: 2})
	require.NoError(t, err)
	chunks, err := c.Chunk(domain.Document{ID: "d", RawText: "  \n\t "})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}
