package engine

import (
	"context"

	"github.com/kalambet/ragdiary/internal/ollama"
)

// OllamaEngine serves embeddings from a local Ollama. Everything but model
// pulls is the client's own method set.
type OllamaEngine struct {
	*ollama.Client
}

var (
	_ Engine      = OllamaEngine{}
	_ BatchEngine = OllamaEngine{}
	_ Puller      = OllamaEngine{}
)

// NewOllamaEngine creates an engine for the Ollama server at baseURL.
func NewOllamaEngine(baseURL string) OllamaEngine {
	return OllamaEngine{Client: ollama.New(baseURL)}
}

// PullModel downloads a missing model, translating progress lines.
func (e OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	if onProgress == nil {
		return e.Client.PullModel(ctx, name, nil)
	}
	return e.Client.PullModel(ctx, name, func(p ollama.PullProgress) {
		onProgress(PullProgress{Status: p.Status, Total: p.Total, Completed: p.Completed})
	})
}
