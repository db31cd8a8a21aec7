// Package resolve constructs agent providers from provider-agnostic
// configuration, so a deployment can pick its upstream by name in a config
// file instead of importing provider packages directly.
package resolve

import (
	"fmt"

	"github.com/nevindra/meander"
	"github.com/nevindra/meander/provider/gemini"
	"github.com/nevindra/meander/provider/openaicompat"
)

// Config selects and tunes one provider.
type Config struct {
	// Provider names the upstream: "gemini", "openai", "groq", "deepseek",
	// "together", "mistral", or "ollama".
	Provider string
	APIKey   string
	// BaseURL overrides the upstream endpoint. Auto-filled for known
	// OpenAI-compatible providers; ignored by gemini.
	BaseURL  string
	Priority int

	// Sampling options shared across providers (nil keeps the default).
	Temperature *float64
	TopP        *float64
}

// Provider creates a meander.AgentProvider from cfg.
func Provider(cfg Config) (meander.AgentProvider, error) {
	switch cfg.Provider {
	case "gemini":
		return geminiProvider(cfg), nil
	case "openai", "groq", "deepseek", "together", "mistral", "ollama":
		return compatProvider(cfg)
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

func geminiProvider(cfg Config) *gemini.Provider {
	opts := []gemini.Option{gemini.WithPriority(cfg.Priority)}
	if cfg.Temperature != nil {
		opts = append(opts, gemini.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, gemini.WithTopP(*cfg.TopP))
	}
	return gemini.New(cfg.APIKey, opts...)
}

func compatProvider(cfg Config) (*openaicompat.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: provider %q needs a base URL", cfg.Provider)
	}
	opts := []openaicompat.Option{openaicompat.WithPriority(cfg.Priority)}
	if cfg.Temperature != nil {
		opts = append(opts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		opts = append(opts, openaicompat.WithTopP(*cfg.TopP))
	}
	return openaicompat.New(cfg.Provider, cfg.APIKey, baseURL, opts...), nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
