package qdrant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"ragpipe/internal/domain"
	"ragpipe/internal/metrics"
	"ragpipe/internal/remote"
	"ragpipe/internal/retry"
)

const (
	service = "qdrant"

	DefaultUpsertBatchSize = 100
)

// Storage is a minimal REST client to Qdrant implementing domain.VectorStore.
type Storage struct {
	url       string
	batchSize int
	policy    retry.Policy
	http      *remote.Client
	log       logr.Logger
}

type Config struct {
	URL             string
	APIKey          string
	Timeout         time.Duration
	UpsertBatchSize int
	Retry           retry.Policy
	HTTPClient      *http.Client
}

// Option customises a Storage.
type Option func(*Storage)

func WithLogger(l logr.Logger) Option { return func(s *Storage) { s.log = l } }

func NewStorage(cfg Config, opts ...Option) (*Storage, error) {
	if cfg.URL == "" {
		return nil, domain.Configf("vector_store.qdrant.url", "required")
	}
	if cfg.UpsertBatchSize == 0 {
		cfg.UpsertBatchSize = DefaultUpsertBatchSize
	}
	if cfg.UpsertBatchSize < 0 || cfg.UpsertBatchSize > DefaultUpsertBatchSize {
		return nil, domain.Configf("vector_store.qdrant.upsert_batch_size", "must be in [1, %d], got %d", DefaultUpsertBatchSize, cfg.UpsertBatchSize)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = remote.DefaultTimeout
	}
	if cfg.Retry == (retry.Policy{}) {
		cfg.Retry = retry.DefaultPolicy()
	}
	s := &Storage{
		url:       strings.TrimRight(cfg.URL, "/"),
		batchSize: cfg.UpsertBatchSize,
		policy:    cfg.Retry,
		http: remote.New(service,
			remote.WithHTTPClient(cfg.HTTPClient),
			remote.WithTimeout(timeout),
			remote.WithHeader("api-key", cfg.APIKey)),
		log: logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type collectionInfo struct {
	Result struct {
		Status      string `json:"status"`
		PointsCount *int64 `json:"points_count"`
		Config      struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

// EnsureCollection creates the collection if missing. An existing
// collection with a different dimension or distance is a configuration
// error, never silently reused.
func (s *Storage) EnsureCollection(ctx context.Context, name string, dim int, distance domain.Distance) error {
	if dim <= 0 {
		return domain.Configf("dimension", "must be positive, got %d", dim)
	}
	if distance == "" {
		distance = domain.DistanceCosine
	}
	info, err := s.info(ctx, name)
	switch {
	case err == nil:
		vec := info.Result.Config.Params.Vectors
		if vec.Size != dim {
			return domain.Configf("dimension", "collection %q has dimension %d, embedder produces %d", name, vec.Size, dim)
		}
		if vec.Distance != "" && !strings.EqualFold(vec.Distance, string(distance)) {
			return domain.Configf("distance", "collection %q uses %s, want %s", name, vec.Distance, distance)
		}
		return nil
	case !domain.IsNotFound(err, domain.KindCollection):
		return err
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     dim,
			"distance": string(distance),
		},
	}
	s.log.Info("creating collection", "collection", name, "dimension", dim, "distance", distance)
	return s.call(ctx, http.MethodPut, s.collectionURL(name, ""), body, nil)
}

type point struct {
	ID      uint64         `json:"id"`
	Vector  domain.Vector  `json:"vector"`
	Payload domain.Payload `json:"payload"`
}

// Upsert writes points in batches. Batches that fail are reported in an
// *domain.UpsertError; the others stay written.
func (s *Storage) Upsert(ctx context.Context, collection string, points []domain.StoredPoint) error {
	var (
		failed []uint64
		errs   []error
	)
	u := s.collectionURL(collection, "/points") + "?wait=true"
	for start := 0; start < len(points); start += s.batchSize {
		end := min(start+s.batchSize, len(points))
		batch := make([]point, 0, end-start)
		for _, p := range points[start:end] {
			batch = append(batch, point{ID: p.ID, Vector: p.Vector, Payload: p.Payload})
		}
		err := s.call(ctx, http.MethodPut, u, map[string]any{"points": batch}, nil)
		if err == nil {
			metrics.PointsUpserted.Add(float64(len(batch)))
			continue
		}
		if domain.IsNotFound(err, domain.KindCollection) || ctx.Err() != nil {
			return err
		}
		s.log.Error(err, "upsert batch failed", "collection", collection, "points", len(batch))
		for _, p := range batch {
			failed = append(failed, p.ID)
		}
		errs = append(errs, err)
	}
	if len(failed) > 0 {
		return &domain.UpsertError{Failed: failed, Err: errors.Join(errs...)}
	}
	return nil
}

// Search returns candidates by descending score, ties by ascending id.
func (s *Storage) Search(ctx context.Context, collection string, vector domain.Vector, topK int, filter domain.Filter) ([]domain.SearchCandidate, error) {
	if topK <= 0 {
		topK = 5
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if len(filter) > 0 {
		req["filter"] = mustFilter(filter)
	}
	var resp struct {
		Result []struct {
			ID      uint64         `json:"id"`
			Score   float64        `json:"score"`
			Payload domain.Payload `json:"payload"`
		} `json:"result"`
	}
	if err := s.call(ctx, http.MethodPost, s.collectionURL(collection, "/points/search"), req, &resp); err != nil {
		return nil, err
	}
	results := make([]domain.SearchCandidate, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, domain.SearchCandidate{PointID: r.ID, VectorScore: r.Score, Payload: r.Payload})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].VectorScore != results[j].VectorScore {
			return results[i].VectorScore > results[j].VectorScore
		}
		return results[i].PointID < results[j].PointID
	})
	return results, nil
}

// Get fetches one point with its vector.
func (s *Storage) Get(ctx context.Context, collection string, id uint64) (domain.StoredPoint, error) {
	var resp struct {
		Result point `json:"result"`
	}
	u := s.collectionURL(collection, "/points/"+strconv.FormatUint(id, 10))
	err := s.call(ctx, http.MethodGet, u, nil, &resp)
	if domain.IsNotFound(err, domain.KindCollection) {
		// Qdrant answers 404 for both a missing point and a missing collection.
		if _, infoErr := s.info(ctx, collection); infoErr != nil {
			return domain.StoredPoint{}, infoErr
		}
		return domain.StoredPoint{}, &domain.NotFoundError{Kind: domain.KindPoint, ID: strconv.FormatUint(id, 10)}
	}
	if err != nil {
		return domain.StoredPoint{}, err
	}
	return domain.StoredPoint{ID: resp.Result.ID, Vector: resp.Result.Vector, Payload: resp.Result.Payload}, nil
}

// Stats reports the point count and status of a collection.
func (s *Storage) Stats(ctx context.Context, collection string) (domain.CollectionStats, error) {
	info, err := s.info(ctx, collection)
	if err != nil {
		return domain.CollectionStats{}, err
	}
	st := domain.CollectionStats{Status: info.Result.Status}
	if info.Result.PointsCount != nil {
		st.PointCount = *info.Result.PointsCount
	}
	return st, nil
}

func (s *Storage) info(ctx context.Context, name string) (collectionInfo, error) {
	var info collectionInfo
	err := s.call(ctx, http.MethodGet, s.collectionURL(name, ""), nil, &info)
	return info, err
}

// call runs one request under the retry policy. A 404 becomes a
// collection NotFoundError carrying the server message.
func (s *Storage) call(ctx context.Context, method, u string, body, out any) error {
	err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.http.Do(ctx, method, u, body, out)
	}, retry.Logging(s.log, service), retry.Count(service))
	if err != nil && remote.StatusCode(err) == http.StatusNotFound {
		return fmt.Errorf("%w: %v", domain.CollectionNotFound(collectionFromURL(u)), err)
	}
	return err
}

func (s *Storage) collectionURL(name, suffix string) string {
	return s.url + "/collections/" + url.PathEscape(name) + suffix
}

func collectionFromURL(u string) string {
	_, rest, _ := strings.Cut(u, "/collections/")
	name, _, _ := strings.Cut(rest, "/")
	name, _, _ = strings.Cut(name, "?")
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}
	return name
}

func mustFilter(f domain.Filter) map[string]any {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	must := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": f[k]},
		})
	}
	return map[string]any{"must": must}
}
