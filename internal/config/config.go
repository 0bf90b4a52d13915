package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// keychainService is the service name used for every secret.
const keychainService = "ragdiary"

type Config struct {
	Server    ServerConfig
	Embedding EmbeddingConfig
	Upstream  UpstreamConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Groups    GroupsConfig
	Ingest    IngestConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

// EmbeddingConfig selects the embedding endpoint. Provider is "openai" for
// any OpenAI-compatible /v1/embeddings API, or "ollama".
type EmbeddingConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
}

// UpstreamConfig is the chat completion endpoint requests are forwarded to.
type UpstreamConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
}

type StorageConfig struct {
	DataDir   string
	DiaryRoot string
	// PluginDir holds rag_tags.json, vector_cache.json,
	// semantic_groups.json and config.env.
	PluginDir string
}

type RetrievalConfig struct {
	DefaultThreshold float64
	MaxMerged        int
	SemanticFloor    int
	SemanticRatio    float64
}

type GroupsConfig struct {
	// VectorBackend is "file" or "sqlite".
	VectorBackend string
}

type IngestConfig struct {
	Interval      string
	ChunkTokens   int
	OverlapTokens int
}

// RescanInterval parses Interval. Zero disables periodic rescans.
func (c IngestConfig) RescanInterval() time.Duration {
	d, err := time.ParseDuration(c.Interval)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
		},
		Storage: StorageConfig{
			DataDir:   dataDir,
			DiaryRoot: filepath.Join(dataDir, "dailynote"),
			PluginDir: filepath.Join(dataDir, "plugin"),
		},
		Retrieval: RetrievalConfig{
			DefaultThreshold: 0.6,
			MaxMerged:        30,
			SemanticFloor:    5,
			SemanticRatio:    0.4,
		},
		Groups: GroupsConfig{
			VectorBackend: "file",
		},
		Ingest: IngestConfig{
			Interval:      "30s",
			ChunkTokens:   500,
			OverlapTokens: 50,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.ragdiary.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/ragdiary/config.json
// and secrets fall back to $XDG_DATA_HOME/ragdiary/secrets.json.
//
// The host application's API_URL, API_Key and WhitelistEmbeddingModel
// variables configure the embedding endpoint; RAGDIARY_* variables override
// them and backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformSettings(), NewKeychain())
}

func loadWith(st Settings, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applySettings(&cfg, st); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, secretAccount(s.key)); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	if _, err := time.ParseDuration(cfg.Ingest.Interval); err != nil {
		return Config{}, fmt.Errorf("invalid ingest.interval %q: %w", cfg.Ingest.Interval, err)
	}
	switch cfg.Groups.VectorBackend {
	case "file", "sqlite":
	default:
		return Config{}, fmt.Errorf("invalid groups.vector_backend %q: want file or sqlite", cfg.Groups.VectorBackend)
	}

	return cfg, nil
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	var missing []string
	switch c.Embedding.Provider {
	case "", "openai":
		if c.Embedding.BaseURL == "" {
			missing = append(missing, "embedding.base_url (RAGDIARY_EMBEDDING_BASE_URL or API_URL)")
		}
	case "ollama":
	default:
		return fmt.Errorf("unknown embedding.provider %q: want openai or ollama", c.Embedding.Provider)
	}
	if c.Embedding.Model == "" {
		missing = append(missing, "embedding.model (RAGDIARY_EMBEDDING_MODEL or WhitelistEmbeddingModel)")
	}
	if c.Upstream.BaseURL == "" {
		missing = append(missing, "upstream.base_url (RAGDIARY_UPSTREAM_BASE_URL)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	return nil
}

// secretAccount maps a secret key such as "embedding.api_key" to its
// keychain account name.
func secretAccount(key string) string {
	return strings.ReplaceAll(key, ".", "_")
}
