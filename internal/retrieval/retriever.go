package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ContextChunk is a retrieved diary fragment with its similarity score.
type ContextChunk struct {
	ID         string
	Diary      string
	SourcePath string
	Text       string
	Score      float32
	CreatedAt  time.Time
}

// Key identifies a chunk by its trimmed text. Two chunks with the same key
// are the same memory even if they were found through different paths.
func (c ContextChunk) Key() string {
	return strings.TrimSpace(c.Text)
}

func chunkOf(s ScoredRecord) ContextChunk {
	return ContextChunk{
		ID:         s.ID,
		Diary:      s.Diary,
		SourcePath: s.SourcePath,
		Text:       s.TextChunk,
		Score:      s.Score,
		CreatedAt:  s.CreatedAt,
	}
}

// Retriever answers similarity queries against one diary at a time.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
}

// NewRetriever creates a Retriever. embedder may be nil when only Search is
// used.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Search returns up to topK chunks of diary nearest to vector, best first.
// Blank chunks are dropped, and a text indexed more than once (the same
// note in two files) appears only with its best score.
func (r *Retriever) Search(ctx context.Context, diary string, vector []float32, topK int) ([]ContextChunk, error) {
	scored, err := r.store.Search(ctx, diary, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("searching diary %s: %w", diary, err)
	}
	out := make([]ContextChunk, 0, len(scored))
	seen := make(map[string]bool, len(scored))
	for _, s := range scored {
		c := chunkOf(s)
		k := c.Key()
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, c)
	}
	return out, nil
}

// Retrieve embeds query and searches diary with it.
func (r *Retriever) Retrieve(ctx context.Context, diary, query string, topK int) ([]ContextChunk, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("retriever has no embedder")
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return r.Search(ctx, diary, vec, topK)
}
