package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"ragpipe/internal/domain"
	"ragpipe/internal/ingest"
	"ragpipe/internal/metrics"
)

// Fetcher turns an image URL into an embeddable data URI.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// PipelineConfig bounds the image pipeline.
type PipelineConfig struct {
	Collection          string
	ConcurrentDownloads int
	// BatchSize is the number of products downloaded, embedded and stored
	// together.
	BatchSize int
}

// Pipeline downloads, embeds and stores product images.
type Pipeline struct {
	fetcher  Fetcher
	embedder domain.Embedder
	store    domain.VectorStore
	cfg      PipelineConfig
	log      logr.Logger
	progress ingest.Progress
	now      func() time.Time
}

type Option func(*Pipeline)

func WithLogger(l logr.Logger) Option { return func(p *Pipeline) { p.log = l } }

func WithProgress(pr ingest.Progress) Option { return func(p *Pipeline) { p.progress = pr } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func NewPipeline(fetcher Fetcher, embedder domain.Embedder, store domain.VectorStore, cfg PipelineConfig, opts ...Option) (*Pipeline, error) {
	if fetcher == nil || embedder == nil || store == nil {
		return nil, domain.Configf("images", "fetcher, embedder and store are required")
	}
	if cfg.Collection == "" {
		return nil, domain.Configf("vector_store.qdrant.image_collection", "required")
	}
	if cfg.ConcurrentDownloads <= 0 {
		return nil, domain.Configf("images.concurrent_downloads", "must be positive, got %d", cfg.ConcurrentDownloads)
	}
	if cfg.BatchSize <= 0 {
		return nil, domain.Configf("images.batch_size", "must be positive, got %d", cfg.BatchSize)
	}
	p := &Pipeline{
		fetcher:  fetcher,
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		log:      logr.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Prepare creates the image collection if needed.
func (p *Pipeline) Prepare(ctx context.Context) error {
	return p.store.EnsureCollection(ctx, p.cfg.Collection, p.embedder.Dimension(), domain.DistanceCosine)
}

// PointID is the store id of a product image.
func PointID(filename string) uint64 { return domain.PointID("image:" + filename) }

// Run processes products batch by batch. Failures are per product; the
// error is non-nil only when ctx ends.
func (p *Pipeline) Run(ctx context.Context, products []Product) (ingest.Report, error) {
	rep := ingest.Report{RunID: uuid.NewString(), Started: p.now(), Succeeded: []string{}, Failed: []ingest.Failure{}}
	if p.progress != nil {
		p.progress.Start(len(products))
		defer p.progress.Finish()
	}
	log := p.log.WithValues("run", rep.RunID, "collection", p.cfg.Collection)
	log.Info("image ingestion started", "products", len(products))

	for start := 0; start < len(products); start += p.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			rep.Finished = p.now()
			return rep, err
		}
		end := min(start+p.cfg.BatchSize, len(products))
		p.runBatch(ctx, products[start:end], &rep, log)
	}
	rep.Finished = p.now()
	log.Info("image ingestion finished", "succeeded", len(rep.Succeeded), "failed", len(rep.Failed))
	if err := ctx.Err(); err != nil {
		return rep, err
	}
	return rep, nil
}

func (p *Pipeline) runBatch(ctx context.Context, batch []Product, rep *ingest.Report, log logr.Logger) {
	ctx, span := metrics.Tracer.Start(ctx, "images.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("products", len(batch)))

	fail := func(pr Product, stage ingest.Stage, err error) {
		rep.Failed = append(rep.Failed, ingest.Failure{DocumentID: pr.Filename, Source: pr.URL, Stage: stage, Err: err})
		metrics.Documents.WithLabelValues(string(ingest.StateFailed)).Inc()
		if p.progress != nil {
			p.progress.Advance(pr.Filename, ingest.StateFailed)
		}
		log.Error(err, "product failed", "filename", pr.Filename, "stage", stage)
	}

	uris := make([]string, len(batch))
	errs := make([]error, len(batch))
	sem := semaphore.NewWeighted(int64(p.cfg.ConcurrentDownloads))
	var wg sync.WaitGroup
	for i, pr := range batch {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(batch); j++ {
				errs[j] = err
			}
			break
		}
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			defer sem.Release(1)
			uris[i], errs[i] = p.fetcher.Fetch(ctx, url)
		}(i, pr.URL)
	}
	wg.Wait()

	var (
		ready []Product
		texts []string
	)
	for i, pr := range batch {
		if errs[i] != nil {
			fail(pr, ingest.StageDownload, errs[i])
			continue
		}
		ready = append(ready, pr)
		texts = append(texts, uris[i])
	}
	if len(ready) == 0 {
		return
	}

	vecs, err := p.embedder.EmbedBatch(ctx, texts, domain.InputPassage)
	embedFailed := make(map[int]error)
	var embErr *domain.EmbedError
	switch {
	case err == nil:
	case errors.As(err, &embErr):
		for _, f := range embErr.Failures {
			for _, i := range f.Indices {
				embedFailed[i] = f.Err
			}
		}
	default:
		for i := range ready {
			embedFailed[i] = err
		}
	}

	inserted := p.now().UTC()
	var (
		points []domain.StoredPoint
		stored []Product
	)
	for i, pr := range ready {
		if e, ok := embedFailed[i]; ok {
			fail(pr, ingest.StageEmbed, e)
			continue
		}
		if p.progress != nil {
			p.progress.Advance(pr.Filename, ingest.StateEmbedded)
		}
		text := pr.DisplayName
		if text == "" {
			text = pr.Filename
		}
		points = append(points, domain.StoredPoint{
			ID:     PointID(pr.Filename),
			Vector: vecs[i],
			Payload: domain.Payload{
				Text:           text,
				SourceFilename: pr.Filename,
				Metadata: map[string]any{
					"image_url":            pr.URL,
					"product_display_name": pr.DisplayName,
					"row":                  pr.Row,
				},
				InsertedAt: inserted,
			},
		})
		stored = append(stored, pr)
	}
	if len(points) == 0 {
		return
	}

	err = p.store.Upsert(ctx, p.cfg.Collection, points)
	failedIDs := make(map[uint64]bool)
	var upErr *domain.UpsertError
	switch {
	case err == nil:
	case errors.As(err, &upErr):
		for _, id := range upErr.Failed {
			failedIDs[id] = true
		}
	default:
		for _, pt := range points {
			failedIDs[pt.ID] = true
		}
	}
	for i, pr := range stored {
		if failedIDs[points[i].ID] {
			fail(pr, ingest.StageStore, err)
			continue
		}
		rep.Succeeded = append(rep.Succeeded, pr.Filename)
		rep.Points++
		metrics.Documents.WithLabelValues(string(ingest.StateStored)).Inc()
		if p.progress != nil {
			p.progress.Advance(pr.Filename, ingest.StateStored)
		}
	}
}
