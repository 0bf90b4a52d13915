package engine

import (
	"context"
	"fmt"
)

// Engine abstracts an embedding backend (a local Ollama or any
// OpenAI-compatible /v1/embeddings server). The retrieval code depends on
// this interface instead of a concrete client.
type Engine interface {
	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all models the backend serves.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available.
	HasModel(ctx context.Context, name string) bool
}

// BatchEngine is implemented by backends that embed several texts in one
// request. Vectors come back in input order.
type BatchEngine interface {
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Puller is implemented by backends that can download missing models.
type Puller interface {
	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// PullProgress is one progress update of a model download.
type PullProgress struct {
	Status    string
	Total     int64
	Completed int64
}

func (p PullProgress) String() string {
	if p.Total <= 0 {
		return p.Status
	}
	return fmt.Sprintf("%s %.0f%%", p.Status, float64(p.Completed)/float64(p.Total)*100)
}
