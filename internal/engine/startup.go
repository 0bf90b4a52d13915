package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that the Engine is reachable and the embedding model is
// available. A missing model is pulled when the backend supports it, with
// progress written to w; otherwise it is an error.
func EnsureReady(ctx context.Context, e Engine, embedModel string, w io.Writer) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("embedding backend is not reachable; check embedding.base_url")
	}
	if embedModel == "" {
		return fmt.Errorf("embedding model is not configured")
	}

	if e.HasModel(ctx, embedModel) {
		fmt.Fprintf(w, "model %s: ready\n", embedModel)
		return nil
	}

	p, ok := e.(Puller)
	if !ok {
		return fmt.Errorf("model %s is not served by the embedding backend", embedModel)
	}

	fmt.Fprintf(w, "model %s: pulling...\n", embedModel)
	err := p.PullModel(ctx, embedModel, func(pp PullProgress) {
		fmt.Fprintf(w, "  %s\n", pp)
	})
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", embedModel, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", embedModel)
	return nil
}
