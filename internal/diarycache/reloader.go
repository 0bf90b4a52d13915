package diarycache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Reloader holds the current Cache and rebuilds it when rag_tags.json
// changes on disk.
type Reloader struct {
	configPath string
	cachePath  string
	emb        Embedder
	fallback   float64

	current atomic.Pointer[Cache]

	mu      sync.Mutex
	modTime time.Time
	size    int64
	seen    bool
}

// NewReloader returns a Reloader whose Current is an empty cache until the
// first Refresh. fallback is passed to SetFallbackThreshold on every load.
func NewReloader(configPath, cachePath string, emb Embedder, fallback float64) *Reloader {
	r := &Reloader{configPath: configPath, cachePath: cachePath, emb: emb, fallback: fallback}
	empty := &Cache{configs: map[string]DiaryConfig{}, vectors: map[string][]float32{}}
	empty.SetFallbackThreshold(fallback)
	r.current.Store(empty)
	return r
}

// Current returns the most recently loaded cache. It never returns nil.
func (r *Reloader) Current() *Cache {
	return r.current.Load()
}

// Refresh reloads the cache when the config file's modification time or
// size differs from the last load. It reports whether a reload happened.
// On error the previous cache stays current.
func (r *Reloader) Refresh(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var modTime time.Time
	var size int64
	info, err := os.Stat(r.configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return false, err
	default:
		modTime, size = info.ModTime(), info.Size()
	}
	if r.seen && modTime.Equal(r.modTime) && size == r.size {
		return false, nil
	}

	c, err := Load(ctx, r.configPath, r.cachePath, r.emb)
	if err != nil {
		return false, err
	}
	c.SetFallbackThreshold(r.fallback)
	r.current.Store(c)
	r.modTime, r.size, r.seen = modTime, size, true
	slog.Debug("diarycache: tag vectors loaded", "diaries", len(c.configs), "vectors", len(c.vectors))
	return true, nil
}

// Run refreshes every interval until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Refresh(ctx); err != nil {
				slog.Warn("diarycache: reload failed", "path", r.configPath, "error", err)
			}
		}
	}
}
