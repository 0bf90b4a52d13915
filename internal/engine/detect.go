package engine

import "fmt"

// Embedding providers understood by Detect.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// DetectConfig holds parameters for backend selection.
type DetectConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
}

// Detect returns the Engine for the configured provider. An empty provider
// means OpenAI-compatible.
func Detect(cfg DetectConfig) (Engine, error) {
	switch cfg.Provider {
	case "", ProviderOpenAI:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("embedding base URL is not configured")
		}
		return NewOpenAIEngine(cfg.BaseURL, cfg.APIKey), nil
	case ProviderOllama:
		return NewOllamaEngine(cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
