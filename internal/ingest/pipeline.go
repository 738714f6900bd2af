// Package ingest turns documents into stored points. Each document moves
// through PENDING, CHUNKED, EMBEDDED and ends STORED or FAILED; a failed
// document never stops the batch.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ragpipe/internal/domain"
	"ragpipe/internal/metrics"
)

type State string

const (
	StatePending  State = "PENDING"
	StateChunked  State = "CHUNKED"
	StateEmbedded State = "EMBEDDED"
	StateStored   State = "STORED"
	StateFailed   State = "FAILED"
)

// Stage names the step a document failed in.
type Stage string

const (
	StageLoad     Stage = "load"
	StageChunk    Stage = "chunk"
	StageEmbed    Stage = "embed"
	StageStore    Stage = "store"
	StageDownload Stage = "download"
)

// Failure records one failed document.
type Failure struct {
	DocumentID string
	Source     string
	Stage      Stage
	Err        error
}

func (f Failure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		DocumentID string `json:"document_id"`
		Source     string `json:"source,omitempty"`
		Stage      Stage  `json:"stage"`
		Error      string `json:"error"`
	}{f.DocumentID, f.Source, f.Stage, f.Err.Error()})
}

// Report summarises one run.
type Report struct {
	RunID     string    `json:"run_id"`
	Succeeded []string  `json:"succeeded"`
	Failed    []Failure `json:"failed"`
	Chunks    int       `json:"chunks"`
	Points    int       `json:"points"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// Progress receives per-document state changes.
type Progress interface {
	Start(total int)
	Advance(documentID string, state State)
	Finish()
}

// Loader produces a document for a source path.
type Loader func(path string) (domain.Document, error)

// Pipeline chunks, embeds and stores documents into one collection.
type Pipeline struct {
	chunker    domain.Chunker
	embedder   domain.Embedder
	store      domain.VectorStore
	collection string
	log        logr.Logger
	progress   Progress
	now        func() time.Time
}

type Option func(*Pipeline)

func WithLogger(l logr.Logger) Option { return func(p *Pipeline) { p.log = l } }

func WithProgress(pr Progress) Option { return func(p *Pipeline) { p.progress = pr } }

// WithClock overrides the inserted_at timestamp source.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func New(chunker domain.Chunker, embedder domain.Embedder, store domain.VectorStore, collection string, opts ...Option) (*Pipeline, error) {
	if chunker == nil || embedder == nil || store == nil {
		return nil, domain.Configf("ingest", "chunker, embedder and store are required")
	}
	if collection == "" {
		return nil, domain.Configf("collection", "required")
	}
	p := &Pipeline{
		chunker:    chunker,
		embedder:   embedder,
		store:      store,
		collection: collection,
		log:        logr.Discard(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Prepare creates the collection if needed. Call once before Run.
func (p *Pipeline) Prepare(ctx context.Context) error {
	return p.store.EnsureCollection(ctx, p.collection, p.embedder.Dimension(), domain.DistanceCosine)
}

// Run ingests docs in order. The returned error is non-nil only when ctx
// ends; the report then covers the documents processed so far.
func (p *Pipeline) Run(ctx context.Context, docs []domain.Document) (Report, error) {
	items := make([]item, len(docs))
	for i := range docs {
		d := docs[i]
		items[i] = item{source: d.SourcePath, load: func() (domain.Document, error) { return d, nil }}
	}
	return p.run(ctx, items)
}

// RunFiles loads each path with load just before processing it. Load
// errors fail that path at the load stage.
func (p *Pipeline) RunFiles(ctx context.Context, paths []string, load Loader) (Report, error) {
	items := make([]item, len(paths))
	for i, path := range paths {
		items[i] = item{source: path, load: func() (domain.Document, error) { return load(path) }}
	}
	return p.run(ctx, items)
}

type item struct {
	source string
	load   func() (domain.Document, error)
}

func (p *Pipeline) run(ctx context.Context, items []item) (Report, error) {
	rep := Report{RunID: uuid.NewString(), Started: p.now(), Succeeded: []string{}, Failed: []Failure{}}
	if p.progress != nil {
		p.progress.Start(len(items))
		defer p.progress.Finish()
	}
	log := p.log.WithValues("run", rep.RunID, "collection", p.collection)
	log.Info("ingestion started", "documents", len(items))

	for _, it := range items {
		if err := ctx.Err(); err != nil {
			rep.Finished = p.now()
			return rep, err
		}
		doc, err := it.load()
		if err != nil {
			id := doc.ID
			if id == "" {
				id = it.source
			}
			p.fail(&rep, log, Failure{DocumentID: id, Source: it.source, Stage: StageLoad, Err: err})
			continue
		}
		chunks, points, f := p.process(ctx, doc)
		if f != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(f.Err, ctxErr) {
				rep.Finished = p.now()
				return rep, ctxErr
			}
			p.fail(&rep, log, *f)
			continue
		}
		rep.Succeeded = append(rep.Succeeded, doc.ID)
		rep.Chunks += chunks
		rep.Points += points
		metrics.Documents.WithLabelValues(string(StateStored)).Inc()
		p.advance(doc.ID, StateStored)
		log.V(1).Info("document stored", "document", doc.ID, "source", doc.SourcePath, "chunks", chunks)
	}
	rep.Finished = p.now()
	log.Info("ingestion finished", "succeeded", len(rep.Succeeded), "failed", len(rep.Failed), "points", rep.Points)
	return rep, nil
}

func (p *Pipeline) fail(rep *Report, log logr.Logger, f Failure) {
	rep.Failed = append(rep.Failed, f)
	metrics.Documents.WithLabelValues(string(StateFailed)).Inc()
	p.advance(f.DocumentID, StateFailed)
	log.Error(f.Err, "document failed", "document", f.DocumentID, "source", f.Source, "stage", f.Stage)
}

func (p *Pipeline) advance(id string, s State) {
	if p.progress != nil {
		p.progress.Advance(id, s)
	}
}

// process runs one document through chunk, embed and store.
func (p *Pipeline) process(ctx context.Context, doc domain.Document) (int, int, *Failure) {
	ctx, span := metrics.Tracer.Start(ctx, "ingest.document")
	defer span.End()
	span.SetAttributes(attribute.String("document.id", doc.ID), attribute.String("document.source", doc.SourcePath))
	failed := func(stage Stage, err error) (int, int, *Failure) {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stage))
		return 0, 0, &Failure{DocumentID: doc.ID, Source: doc.SourcePath, Stage: stage, Err: err}
	}

	chunks, err := p.chunker.Chunk(doc)
	if err != nil {
		return failed(StageChunk, err)
	}
	if len(chunks) == 0 {
		return failed(StageChunk, errors.New("document produced no chunks"))
	}
	p.advance(doc.ID, StateChunked)
	span.AddEvent("chunked", trace.WithAttributes(attribute.Int("chunks", len(chunks))))

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vecs, err := p.embedder.EmbedBatch(ctx, texts, domain.InputPassage)
	if err != nil {
		return failed(StageEmbed, err)
	}
	if len(vecs) != len(chunks) {
		return failed(StageEmbed, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(chunks)))
	}
	p.advance(doc.ID, StateEmbedded)
	span.AddEvent("embedded")

	inserted := p.now().UTC()
	points := make([]domain.StoredPoint, len(chunks))
	for i, ch := range chunks {
		meta := make(map[string]any, len(ch.Metadata)+2)
		for k, v := range ch.Metadata {
			meta[k] = v
		}
		meta["document_id"] = ch.DocumentID
		meta["chunk_id"] = ch.ChunkID
		source, _ := ch.Metadata["source_filename"].(string)
		points[i] = domain.StoredPoint{
			ID:     domain.PointID(ch.ChunkID),
			Vector: vecs[i],
			Payload: domain.Payload{
				Text:           ch.Text,
				SourceFilename: source,
				ChunkIndex:     ch.ChunkIndex,
				Metadata:       meta,
				InsertedAt:     inserted,
			},
		}
	}
	if err := p.store.Upsert(ctx, p.collection, points); err != nil {
		return failed(StageStore, err)
	}
	return len(chunks), len(points), nil
}
