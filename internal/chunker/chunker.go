package chunker

import (
	"path/filepath"
	"strconv"
	"strings"

	"ragpipe/internal/domain"
)

const (
	DefaultChunkSize = 512
	DefaultOverlap   = 50
	DefaultMinTokens = 10
)

// Config sets window size and overlap in words.
type Config struct {
	ChunkSize int
	Overlap   int
	// MinTokens drops chunks with fewer words. Zero keeps everything.
	MinTokens int
}

// WordChunker splits text into overlapping fixed-size word windows.
type WordChunker struct {
	size      int
	overlap   int
	minTokens int
}

// New validates cfg and returns a chunker.
func New(cfg Config) (*WordChunker, error) {
	if cfg.ChunkSize <= 0 {
		return nil, domain.Configf("chunk_size", "must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.Overlap < 0 {
		return nil, domain.Configf("chunk_overlap", "must not be negative, got %d", cfg.Overlap)
	}
	if cfg.Overlap >= cfg.ChunkSize {
		return nil, domain.Configf("chunk_overlap", "must be smaller than chunk_size (%d >= %d)", cfg.Overlap, cfg.ChunkSize)
	}
	if cfg.MinTokens < 0 {
		return nil, domain.Configf("min_chunk_tokens", "must not be negative, got %d", cfg.MinTokens)
	}
	return &WordChunker{size: cfg.ChunkSize, overlap: cfg.Overlap, minTokens: cfg.MinTokens}, nil
}

// Chunk splits document.RawText. Offsets are word offsets into the
// whitespace-separated stream, end exclusive.
func (c *WordChunker) Chunk(document domain.Document) ([]domain.Chunk, error) {
	words := strings.Fields(document.RawText)
	if len(words) == 0 {
		return nil, nil
	}
	source := filepath.Base(document.SourcePath)
	step := c.size - c.overlap

	var chunks []domain.Chunk
	for start := 0; start < len(words); start += step {
		end := start + c.size
		if end > len(words) {
			end = len(words)
		}
		if end-start >= c.minTokens {
			idx := len(chunks)
			meta := map[string]any{
				"source_filename": source,
				"start_word":      start,
				"end_word":        end,
			}
			if page := document.PageAt(start); page > 0 {
				meta["page"] = page
				meta["page_end"] = document.PageAt(end - 1)
			}
			for k, v := range document.Metadata {
				if _, taken := meta[k]; !taken {
					meta[k] = v
				}
			}
			chunks = append(chunks, domain.Chunk{
				ChunkID:     document.ID + "#" + strconv.Itoa(idx),
				DocumentID:  document.ID,
				Text:        strings.Join(words[start:end], " "),
				StartOffset: start,
				EndOffset:   end,
				ChunkIndex:  idx,
				Metadata:    meta,
			})
		}
		if end == len(words) {
			break
		}
	}
	for i := range chunks {
		chunks[i].Metadata["total_chunks"] = len(chunks)
	}
	return chunks, nil
}
