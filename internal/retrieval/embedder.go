package retrieval

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/ragdiary/internal/engine"
)

const (
	// batchSize caps the inputs sent in one batch request.
	batchSize = 32
	// embedParallelism bounds concurrent single-text requests for backends
	// without batch support.
	embedParallelism = 4
)

// Embedder binds an Engine to one embedding model.
type Embedder struct {
	engine engine.Engine
	model  string
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: empty vector")
	}
	return vec, nil
}

// EmbedBatch embeds texts, one vector per text in input order. Backends that
// accept input arrays get requests of up to batchSize texts; others get one
// request per text. Empty input yields nil.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if be, ok := e.engine.(engine.BatchEngine); ok {
		return e.embedChunked(ctx, be, texts)
	}
	return e.embedEach(ctx, texts)
}

func (e *Embedder) embedChunked(ctx context.Context, be engine.BatchEngine, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := min(start+batchSize, len(texts))
		vecs, err := be.EmbedBatch(ctx, e.model, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedding texts %d-%d: got %d vectors", start, end-1, len(vecs))
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *Embedder) embedEach(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedParallelism)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Model is the embedding model name.
func (e *Embedder) Model() string {
	return e.model
}
