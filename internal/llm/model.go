// Package llm runs document analysis against a language model through
// langchaingo.
package llm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Supported providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Default models per provider, used when no model is configured.
var defaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderOllama:    "llama3.1",
}

// ErrMissingAPIKey is returned when a hosted provider has no key.
var ErrMissingAPIKey = errors.New("api key required")

// Settings select and authenticate a model.
type Settings struct {
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the provider endpoint; for ollama it is the server URL.
	BaseURL string
}

// Normalize lower-cases the provider and fills the default model.
func (s Settings) Normalize() Settings {
	s.Provider = strings.ToLower(strings.TrimSpace(s.Provider))
	if s.Provider == "" {
		s.Provider = ProviderOpenAI
	}
	s.Model = strings.TrimSpace(s.Model)
	if s.Model == "" {
		s.Model = defaultModels[s.Provider]
	}
	return s
}

// NewModel creates a langchaingo model for s.
func NewModel(s Settings) (llms.Model, error) {
	s = s.Normalize()
	switch s.Provider {
	case ProviderOllama:
		opts := []ollama.Option{ollama.WithModel(s.Model)}
		if s.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(s.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return model, nil

	case ProviderOpenAI:
		if s.APIKey == "" {
			return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
		}
		opts := []openai.Option{openai.WithToken(s.APIKey), openai.WithModel(s.Model)}
		if s.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(s.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return model, nil

	case ProviderAnthropic:
		if s.APIKey == "" {
			return nil, fmt.Errorf("anthropic: %w", ErrMissingAPIKey)
		}
		opts := []anthropic.Option{anthropic.WithToken(s.APIKey), anthropic.WithModel(s.Model)}
		if s.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(s.BaseURL))
		}
		model, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return model, nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", s.Provider)
	}
}
