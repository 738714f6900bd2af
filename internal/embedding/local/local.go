package local

import (
	"context"
	"encoding/binary"
	"math"
	"regexp"
	"strings"

	"github.com/minio/highwayhash"

	"ragpipe/internal/domain"
)

const DefaultDimension = 384

var hashKey = []byte("ragpipe-local-embedding-hash-key")

// Embedder is a deterministic feature-hashing bag-of-words embedder.
// Each token is hashed into one of dimension buckets with a hashed sign,
// weighted by 1+log(tf), and the vector is L2 normalised. It needs no
// corpus preparation, so query and passage vectors share one space.
type Embedder struct {
	dimension    int
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

// New creates an embedder producing vectors of the given dimension.
func New(dimension int) (*Embedder, error) {
	if dimension <= 0 {
		return nil, domain.Configf("embedding.dimension", "must be positive, got %d", dimension)
	}
	return &Embedder{
		dimension:    dimension,
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`),
		stopwords:    defaultStopwords(),
	}, nil
}

func (e *Embedder) Dimension() int { return e.dimension }

func (e *Embedder) Model() string { return "local-hashing" }

// EmbedBatch embeds every text. Texts without usable tokens yield the zero
// vector.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string, inputType domain.InputType) ([]domain.Vector, error) {
	if !inputType.Valid() {
		return nil, domain.Configf("input_type", "must be %q or %q, got %q", domain.InputQuery, domain.InputPassage, inputType)
	}
	out := make([]domain.Vector, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *Embedder) embed(text string) domain.Vector {
	tf := make(map[string]int)
	for _, tok := range e.tokenize(text) {
		tf[tok]++
	}
	acc := make([]float64, e.dimension)
	for tok, n := range tf {
		h := highwayhash.Sum64([]byte(tok), hashKey)
		bucket := h % uint64(e.dimension)
		w := 1 + math.Log(float64(n))
		if h>>63 == 1 {
			w = -w
		}
		acc[bucket] += w
	}
	norm := 0.0
	for _, v := range acc {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	vec := make(domain.Vector, e.dimension)
	if norm == 0 {
		return vec
	}
	for i, v := range acc {
		vec[i] = float32(v / norm)
	}
	return vec
}

func (e *Embedder) tokenize(text string) []string {
	lower := strings.ToLower(text)
	raw := e.tokenPattern.FindAllString(lower, -1)
	if len(raw) == 0 {
		return nil
	}
	out := raw[:0]
	for _, t := range raw {
		if _, isStop := e.stopwords[t]; isStop {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Fingerprint returns a short stable digest of a vector, used in tests and
// debug logs to compare embeddings without printing them.
func Fingerprint(v domain.Vector) uint64 {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return highwayhash.Sum64(buf, hashKey)
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to", "of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were", "be", "been", "being", "it", "this", "that", "these", "those", "from", "up", "down", "over", "under", "again", "further", "than", "so", "such", "into", "about", "between", "through", "during", "before", "after", "above", "below", "out", "off", "own", "same", "too", "very", "can", "will", "just", "don", "should", "now",
	}
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}
