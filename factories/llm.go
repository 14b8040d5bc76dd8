package factories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"waifubot/core"
	openaillm "waifubot/services/openai/llm"
)

// LLMFactoryConfig holds provider-specific configs for LLM service construction.
// Set exactly one provider config; the rest should be left nil.
// OpenRouter speaks the OpenAI protocol and is served by the same OpenAI
// service with a custom base URL.
type LLMFactoryConfig struct {
	OpenAIConfig     *openaillm.Config `json:"openai,omitempty"`
	OpenRouterConfig *openaillm.Config `json:"openrouter,omitempty"`
}

var llmProviderKeys = []string{"openai", "openrouter"}

// Default base URLs and models for OpenAI-compatible providers.
const (
	openaiBaseURL      = "https://api.openai.com/v1"
	openrouterBaseURL  = "https://openrouter.ai/api/v1"
	openaiModel        = "gpt-4o-mini"
	openrouterModel    = "openrouter/quasar-alpha"
	defaultMaxTokens   = 150
	defaultTemperature = 0.7
)

// openrouterHeaders identify the app to OpenRouter's rankings.
var openrouterHeaders = map[string]string{
	"HTTP-Referer": "http://localhost",
	"X-Title":      "Waifu.exe",
}

// DefaultLLMFactoryConfig selects OpenRouter with the bot's defaults.
func DefaultLLMFactoryConfig() LLMFactoryConfig {
	return LLMFactoryConfig{OpenRouterConfig: &openaillm.Config{
		BaseURL:     openrouterBaseURL,
		Model:       openrouterModel,
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
	}}
}

func (c LLMFactoryConfig) validate() error {
	n := 0
	if c.OpenAIConfig != nil {
		n++
	}
	if c.OpenRouterConfig != nil {
		n++
	}
	switch n {
	case 0:
		return errors.New("LLMFactoryConfig: no provider config specified")
	case 1:
		return nil
	default:
		return errors.New("LLMFactoryConfig: more than one provider config specified")
	}
}

func (c *LLMFactoryConfig) injectKeys(keys APIKeys) {
	if c.OpenAIConfig != nil && c.OpenAIConfig.APIKey == "" {
		c.OpenAIConfig.APIKey = keys.OpenAI
	}
	if c.OpenRouterConfig != nil && c.OpenRouterConfig.APIKey == "" {
		// OPENAI_API_KEY doubles as the OpenRouter key.
		c.OpenRouterConfig.APIKey = firstNonEmpty(keys.OpenRouter, keys.OpenAI)
	}
}

// BuildLLMService constructs and initializes the completion client from the
// given factory config. Exactly one provider config must be non-nil.
func BuildLLMService(ctx context.Context, config LLMFactoryConfig, logger *core.Logger) (*openaillm.OpenAILLMService, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	var service *openaillm.OpenAILLMService
	if config.OpenAIConfig != nil {
		service = buildOpenAICompatible(*config.OpenAIConfig, openaiBaseURL, openaiModel, nil, logger)
	} else {
		service = buildOpenAICompatible(*config.OpenRouterConfig, openrouterBaseURL, openrouterModel, openrouterHeaders, logger)
	}

	if err := service.Init(ctx); err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return service, nil
}

// buildOpenAICompatible creates an OpenAI-compatible LLM service, applying
// default base URL, model, token limit and headers where the config leaves
// them unset.
func buildOpenAICompatible(cfg openaillm.Config, defaultBaseURL, defaultModel string, defaultHeaders map[string]string, logger *core.Logger) *openaillm.OpenAILLMService {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	headers := make(map[string]string, len(defaultHeaders)+len(cfg.Headers))
	for k, v := range defaultHeaders {
		headers[k] = v
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	cfg.Headers = headers
	return openaillm.NewOpenAILLMService(cfg, logger)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
