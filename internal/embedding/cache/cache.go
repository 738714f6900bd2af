package cache

import (
	"context"
	"errors"

	"github.com/go-logr/logr"

	"ragpipe/internal/domain"
	"ragpipe/internal/metrics"
)

// Embedder serves repeated inputs from a Store and forwards the rest to an
// inner embedder in a single call.
type Embedder struct {
	inner domain.Embedder
	store *Store
	log   logr.Logger
}

// Option customises an Embedder.
type Option func(*Embedder)

func WithLogger(l logr.Logger) Option { return func(e *Embedder) { e.log = l } }

// New wraps inner with store.
func New(inner domain.Embedder, store *Store, opts ...Option) *Embedder {
	e := &Embedder{inner: inner, store: store, log: logr.Discard()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Embedder) Dimension() int { return e.inner.Dimension() }

func (e *Embedder) Model() string { return e.inner.Model() }

// EmbedBatch has the same contract as the inner embedder. Failure indices
// always refer to texts.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string, inputType domain.InputType) ([]domain.Vector, error) {
	if !inputType.Valid() {
		return nil, domain.Configf("input_type", "must be %q or %q, got %q", domain.InputQuery, domain.InputPassage, inputType)
	}
	model, dim := e.inner.Model(), e.inner.Dimension()

	// Identical inputs are looked up and embedded once.
	var keys, missTexts, missKeys []string
	positions := make(map[string][]int)
	found := make(map[string]domain.Vector)
	for i, t := range texts {
		key := Key(model, inputType, t)
		if idx, seen := positions[key]; seen {
			positions[key] = append(idx, i)
			continue
		}
		positions[key] = []int{i}
		keys = append(keys, key)
		vec, ok, err := e.store.Get(ctx, key, dim)
		if err != nil {
			e.log.Error(err, "embedding cache lookup failed")
		}
		if ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			found[key] = vec
			continue
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		missTexts = append(missTexts, t)
		missKeys = append(missKeys, key)
	}
	e.log.V(1).Info("embedding cache", "inputs", len(texts), "misses", len(missTexts))

	var failures []domain.BatchFailure
	if len(missTexts) > 0 {
		vecs, err := e.inner.EmbedBatch(ctx, missTexts, inputType)
		var embErr *domain.EmbedError
		switch {
		case err == nil:
		case errors.As(err, &embErr):
			for _, f := range embErr.Failures {
				var idx []int
				for _, j := range f.Indices {
					idx = append(idx, positions[missKeys[j]]...)
				}
				failures = append(failures, domain.BatchFailure{Indices: idx, Err: f.Err})
			}
		default:
			var idx []int
			for _, k := range missKeys {
				idx = append(idx, positions[k]...)
			}
			failures = append(failures, domain.BatchFailure{Indices: idx, Err: err})
		}
		for j, key := range missKeys {
			if j >= len(vecs) || vecs[j] == nil {
				continue
			}
			found[key] = vecs[j]
			if perr := e.store.Put(ctx, key, model, inputType, vecs[j]); perr != nil {
				e.log.Error(perr, "embedding cache write failed")
			}
		}
	}

	out := make([]domain.Vector, len(texts))
	for _, key := range keys {
		if vec, ok := found[key]; ok {
			for _, i := range positions[key] {
				out[i] = vec
			}
		}
	}
	if len(failures) > 0 {
		return out, &domain.EmbedError{Failures: failures}
	}
	return out, nil
}
