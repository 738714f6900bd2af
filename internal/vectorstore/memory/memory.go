package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"ragpipe/internal/domain"
)

type collection struct {
	dimension int
	distance  domain.Distance
	points    map[uint64]domain.StoredPoint
}

// Storage is a simple in-memory vector store using brute-force cosine similarity.
type Storage struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

func NewStorage() *Storage { return &Storage{collections: make(map[string]*collection)} }

func (s *Storage) EnsureCollection(_ context.Context, name string, dim int, distance domain.Distance) error {
	if dim <= 0 {
		return domain.Configf("dimension", "must be positive, got %d", dim)
	}
	if distance == "" {
		distance = domain.DistanceCosine
	}
	if distance != domain.DistanceCosine {
		return domain.Configf("distance", "only %s is supported, got %s", domain.DistanceCosine, distance)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		if c.dimension != dim {
			return domain.Configf("dimension", "collection %q has dimension %d, got %d", name, c.dimension, dim)
		}
		return nil
	}
	s.collections[name] = &collection{dimension: dim, distance: distance, points: make(map[uint64]domain.StoredPoint)}
	return nil
}

// Upsert replaces points by id. Points with a wrong dimension are reported
// in an *domain.UpsertError; the rest are written.
func (s *Storage) Upsert(_ context.Context, name string, points []domain.StoredPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		return domain.CollectionNotFound(name)
	}
	var failed []uint64
	for _, p := range points {
		if len(p.Vector) != c.dimension {
			failed = append(failed, p.ID)
			continue
		}
		p.Vector = append(domain.Vector(nil), p.Vector...)
		c.points[p.ID] = p
	}
	if len(failed) > 0 {
		return &domain.UpsertError{Failed: failed, Err: fmt.Errorf("vector dimension mismatch, want %d", c.dimension)}
	}
	return nil
}

func (s *Storage) Search(_ context.Context, name string, vector domain.Vector, topK int, filter domain.Filter) ([]domain.SearchCandidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return nil, domain.CollectionNotFound(name)
	}
	if len(vector) != c.dimension {
		return nil, &domain.PermanentServiceError{Service: "memory", Err: fmt.Errorf("query dimension %d, collection has %d", len(vector), c.dimension)}
	}
	if topK <= 0 {
		topK = 5
	}
	qn := norm(vector)
	results := make([]domain.SearchCandidate, 0, len(c.points))
	for _, p := range c.points {
		if !matches(p.Payload, filter) {
			continue
		}
		results = append(results, domain.SearchCandidate{
			PointID:     p.ID,
			VectorScore: cosine(p.Vector, vector, qn),
			Payload:     p.Payload,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].VectorScore != results[j].VectorScore {
			return results[i].VectorScore > results[j].VectorScore
		}
		return results[i].PointID < results[j].PointID
	})
	if topK < len(results) {
		results = results[:topK]
	}
	return results, nil
}

func (s *Storage) Get(_ context.Context, name string, id uint64) (domain.StoredPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return domain.StoredPoint{}, domain.CollectionNotFound(name)
	}
	p, ok := c.points[id]
	if !ok {
		return domain.StoredPoint{}, &domain.NotFoundError{Kind: domain.KindPoint, ID: strconv.FormatUint(id, 10)}
	}
	return p, nil
}

func (s *Storage) Stats(_ context.Context, name string) (domain.CollectionStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return domain.CollectionStats{}, domain.CollectionNotFound(name)
	}
	return domain.CollectionStats{PointCount: int64(len(c.points)), Status: "green"}, nil
}

func cosine(a, b domain.Vector, bn float64) float64 {
	an := norm(a)
	if an == 0 || bn == 0 {
		return 0
	}
	sum := 0.0
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum / (an * bn)
}

func norm(v domain.Vector) float64 {
	sum := 0.0
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func matches(p domain.Payload, filter domain.Filter) bool {
	for key, want := range filter {
		var got any
		switch {
		case key == "text":
			got = p.Text
		case key == "source_filename":
			got = p.SourceFilename
		case key == "chunk_index":
			got = p.ChunkIndex
		case strings.HasPrefix(key, "metadata."):
			got = p.Metadata[strings.TrimPrefix(key, "metadata.")]
		default:
			return false
		}
		if !equal(got, want) {
			return false
		}
	}
	return true
}

// equal compares payload values, treating all numeric kinds alike.
func equal(a, b any) bool {
	af, aNum := number(a)
	bf, bNum := number(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
