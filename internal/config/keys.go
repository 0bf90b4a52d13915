package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "boolean"
	case kFloat:
		return "number"
	default:
		return "string"
	}
}

type keySpec struct {
	key string
	typ keyType
	env string
	// aliases are read before env, so env wins when both are set.
	aliases []string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RAGDIARY_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "embedding.provider", typ: kString, env: "RAGDIARY_EMBEDDING_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Embedding.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Provider },
	},
	{
		key: "embedding.base_url", typ: kString, env: "RAGDIARY_EMBEDDING_BASE_URL",
		aliases: []string{"API_URL"},
		apply:   func(cfg *Config, v any) { cfg.Embedding.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.BaseURL },
	},
	{
		key: "embedding.api_key", typ: kString, env: "RAGDIARY_EMBEDDING_API_KEY",
		aliases: []string{"API_Key"},
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embedding.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.APIKey },
	},
	{
		key: "embedding.model", typ: kString, env: "RAGDIARY_EMBEDDING_MODEL",
		aliases: []string{"WhitelistEmbeddingModel"},
		apply:   func(cfg *Config, v any) { cfg.Embedding.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embedding.Model },
	},
	{
		key: "upstream.base_url", typ: kString, env: "RAGDIARY_UPSTREAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.BaseURL },
	},
	{
		key: "upstream.api_key", typ: kString, env: "RAGDIARY_UPSTREAM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Upstream.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.APIKey },
	},
	{
		key: "upstream.default_model", typ: kString, env: "RAGDIARY_UPSTREAM_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Upstream.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Upstream.DefaultModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RAGDIARY_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.diary_root", typ: kString, env: "RAGDIARY_STORAGE_DIARY_ROOT",
		apply:   func(cfg *Config, v any) { cfg.Storage.DiaryRoot = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DiaryRoot },
	},
	{
		key: "storage.plugin_dir", typ: kString, env: "RAGDIARY_STORAGE_PLUGIN_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.PluginDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.PluginDir },
	},
	{
		key: "retrieval.default_threshold", typ: kFloat, env: "RAGDIARY_RETRIEVAL_DEFAULT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.DefaultThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.DefaultThreshold },
	},
	{
		key: "retrieval.max_merged", typ: kInt, env: "RAGDIARY_RETRIEVAL_MAX_MERGED",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxMerged = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxMerged },
	},
	{
		key: "retrieval.semantic_floor", typ: kInt, env: "RAGDIARY_RETRIEVAL_SEMANTIC_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SemanticFloor = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.SemanticFloor },
	},
	{
		key: "retrieval.semantic_ratio", typ: kFloat, env: "RAGDIARY_RETRIEVAL_SEMANTIC_RATIO",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SemanticRatio = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.SemanticRatio },
	},
	{
		key: "groups.vector_backend", typ: kString, env: "RAGDIARY_GROUPS_VECTOR_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Groups.VectorBackend = v.(string) },
		extract: func(cfg Config) any { return cfg.Groups.VectorBackend },
	},
	{
		key: "ingest.interval", typ: kString, env: "RAGDIARY_INGEST_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.Interval },
	},
	{
		key: "ingest.chunk_tokens", typ: kInt, env: "RAGDIARY_INGEST_CHUNK_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkTokens },
	},
	{
		key: "ingest.overlap_tokens", typ: kInt, env: "RAGDIARY_INGEST_OVERLAP_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.OverlapTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.OverlapTokens },
	},
	{
		key: "log.level", typ: kString, env: "RAGDIARY_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// applySettings layers persisted settings over the defaults. Secrets are
// skipped; they only ever come from the keychain or the environment.
func applySettings(cfg *Config, st Settings) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		raw, ok, err := st.Lookup(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("config: invalid stored value, using default", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		names := append(append([]string(nil), s.aliases...), s.env)
		for _, name := range names {
			if name == "" {
				continue
			}
			raw := os.Getenv(name)
			if raw == "" {
				continue
			}
			if parsed, err := parseValue(s.typ, raw); err == nil {
				s.apply(cfg, parsed)
			} else {
				slog.Warn("config: invalid value in environment, using default", "env", name, "value", raw, "error", err)
			}
		}
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}
