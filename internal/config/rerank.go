package config

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/ragdiary/internal/reranking"
)

// RerankSource reads rerank settings from a KEY=VALUE env file. The file is
// re-stat'ed on every Current call and re-parsed when it changes, so the
// reranker can be enabled or disabled while the server runs. A missing file
// yields zero settings, which leave reranking off.
type RerankSource struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	loaded  bool
	current reranking.Settings
}

var _ reranking.SettingsSource = (*RerankSource)(nil)

func NewRerankSource(path string) *RerankSource {
	return &RerankSource{path: path}
}

func (s *RerankSource) Current() reranking.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		if s.loaded {
			slog.Info("config: rerank settings file removed, reranking disabled", "path", s.path)
		}
		s.loaded = false
		s.current = reranking.Settings{}
		return s.current
	}
	if s.loaded && info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		return s.current
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		slog.Warn("config: could not read rerank settings", "path", s.path, "error", err)
		return s.current
	}
	s.current = parseRerankEnv(data)
	s.modTime = info.ModTime()
	s.size = info.Size()
	s.loaded = true
	slog.Debug("config: rerank settings loaded", "path", s.path, "enabled", s.current.Configured())
	return s.current
}

func parseRerankEnv(data []byte) reranking.Settings {
	vals := parseEnvFile(data)
	out := reranking.Settings{
		URL:    vals["RerankUrl"],
		APIKey: vals["RerankApi"],
		Model:  vals["RerankModel"],
	}
	if raw := vals["RerankMultiplier"]; raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil && f > 0 {
			out.Multiplier = f
		} else {
			slog.Warn("config: invalid RerankMultiplier, using default", "value", raw)
		}
	}
	if raw := vals["RerankMaxTokensPerBatch"]; raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			out.MaxTokensPerBatch = n
		} else {
			slog.Warn("config: invalid RerankMaxTokensPerBatch, using default", "value", raw)
		}
	}
	return out
}

// parseEnvFile reads KEY=VALUE lines. Blank lines and # comments are
// skipped, an optional "export " prefix is dropped and matching quotes
// around the value are removed.
func parseEnvFile(data []byte) map[string]string {
	vals := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		vals[key] = val
	}
	return vals
}
