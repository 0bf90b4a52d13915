// Package diarycache keeps one tag-enhanced embedding per diary, derived
// from rag_tags.json and reused across restarts while that file is unchanged.
package diarycache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/ragdiary/internal/blobstore"
)

// DefaultThreshold applies to diaries whose config omits a threshold.
const DefaultThreshold = 0.6

// Embedder produces an embedding for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DiaryConfig is one entry of rag_tags.json.
type DiaryConfig struct {
	Name      string
	Tags      []string
	Threshold float64
	// HasThreshold is false when the entry omitted threshold and Threshold
	// holds DefaultThreshold.
	HasThreshold bool
}

type rawDiaryConfig struct {
	Tags      []string `json:"tags"`
	Threshold *float64 `json:"threshold,omitempty"`
}

type cacheFile struct {
	SourceHash string               `json:"sourceHash"`
	CreatedAt  time.Time            `json:"createdAt"`
	Vectors    map[string][]float32 `json:"vectors"`
}

// Cache is the loaded diary configuration plus the enhanced vectors.
type Cache struct {
	SourceHash string
	configs    map[string]DiaryConfig
	vectors    map[string][]float32
	fallback   float64
}

// Config returns the configuration for a diary.
func (c *Cache) Config(name string) (DiaryConfig, bool) {
	if c == nil {
		return DiaryConfig{}, false
	}
	cfg, ok := c.configs[name]
	return cfg, ok
}

// SetFallbackThreshold replaces DefaultThreshold for diaries without an
// explicit threshold. Non-positive values are ignored.
func (c *Cache) SetFallbackThreshold(t float64) {
	if c != nil && t > 0 {
		c.fallback = t
	}
}

// Threshold returns the diary's similarity threshold, or the fallback.
func (c *Cache) Threshold(name string) float64 {
	if cfg, ok := c.Config(name); ok && cfg.HasThreshold {
		return cfg.Threshold
	}
	if c != nil && c.fallback > 0 {
		return c.fallback
	}
	return DefaultThreshold
}

// Vector returns the cached enhanced vector of a diary, or nil.
func (c *Cache) Vector(name string) []float32 {
	if c == nil {
		return nil
	}
	return c.vectors[name]
}

// Names lists the configured diaries in sorted order.
func (c *Cache) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.configs))
	for n := range c.configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load reads configPath and returns the diary configs with their enhanced
// vectors. When cachePath holds vectors computed from an identical config
// file they are reused and emb is never called. Otherwise every diary with
// tags is embedded once; diaries whose embedding fails are left out. A
// missing or malformed config yields an empty cache.
func Load(ctx context.Context, configPath, cachePath string, emb Embedder) (*Cache, error) {
	c := &Cache{configs: map[string]DiaryConfig{}, vectors: map[string][]float32{}}

	raw, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		slog.Info("diarycache: no tag config found", "path", configPath)
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading tag config: %w", err)
	}

	var entries map[string]rawDiaryConfig
	if err := json.Unmarshal(raw, &entries); err != nil {
		slog.Warn("diarycache: malformed tag config, ignoring", "path", configPath, "error", err)
		return c, nil
	}
	for name, e := range entries {
		cfg := DiaryConfig{Name: name, Tags: e.Tags, Threshold: DefaultThreshold}
		if e.Threshold != nil {
			cfg.Threshold = *e.Threshold
			cfg.HasThreshold = true
		}
		c.configs[name] = cfg
	}

	c.SourceHash = HashConfig(raw)

	if cached, ok := readCache(cachePath); ok && cached.SourceHash == c.SourceHash {
		slog.Debug("diarycache: reusing cached vectors", "diaries", len(cached.Vectors))
		for name, v := range cached.Vectors {
			c.vectors[name] = v
		}
		return c, nil
	}

	for _, name := range c.Names() {
		cfg := c.configs[name]
		if len(cfg.Tags) == 0 {
			continue
		}
		vec, err := emb.Embed(ctx, TagText(name, cfg.Tags))
		if err != nil || len(vec) == 0 {
			slog.Warn("diarycache: embedding diary tags failed", "diary", name, "error", err)
			continue
		}
		c.vectors[name] = vec
	}

	out, err := json.Marshal(cacheFile{
		SourceHash: c.SourceHash,
		CreatedAt:  time.Now().UTC(),
		Vectors:    c.vectors,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding vector cache: %w", err)
	}
	if err := blobstore.WriteFileAtomic(cachePath, out, 0o644); err != nil {
		slog.Warn("diarycache: writing vector cache failed", "path", cachePath, "error", err)
	}
	return c, nil
}

func readCache(path string) (cacheFile, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cacheFile{}, false
	}
	var cf cacheFile
	if err := json.Unmarshal(data, &cf); err != nil {
		slog.Warn("diarycache: malformed vector cache, recomputing", "path", path, "error", err)
		return cacheFile{}, false
	}
	return cf, true
}

// HashConfig is the content hash that keys the vector cache.
func HashConfig(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// maxTagRepeat caps how often one tag is repeated in the embedded text.
const maxTagRepeat = 10

// TagText builds the text embedded for a diary: each tag is repeated
// round(weight) times, between once and maxTagRepeat times, to bias the
// embedding.
func TagText(name string, tags []string) string {
	var parts []string
	for _, t := range tags {
		word, weight := splitTag(t)
		if word == "" {
			continue
		}
		w := min(math.Round(weight), maxTagRepeat)
		if !(w >= 1) {
			w = 1
		}
		for range int(w) {
			parts = append(parts, word)
		}
	}
	return name + " 的相关主题：" + strings.Join(parts, ", ")
}

// splitTag parses "word" or "word:weight".
func splitTag(tag string) (string, float64) {
	tag = strings.TrimSpace(tag)
	i := strings.LastIndex(tag, ":")
	if i < 0 {
		return tag, 1
	}
	w, err := strconv.ParseFloat(strings.TrimSpace(tag[i+1:]), 64)
	if err != nil {
		return tag, 1
	}
	return strings.TrimSpace(tag[:i]), w
}
