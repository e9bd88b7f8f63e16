package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/codeagent/internal/agent"
)

// Config selects and configures a model provider.
type Config struct {
	// Provider is one of anthropic, openai, google or bedrock.
	Provider string `yaml:"provider" json:"provider" toml:"provider" jsonschema:"enum=anthropic,enum=openai,enum=google,enum=bedrock"`
	// Model is the default model id.
	Model string `yaml:"model" json:"model,omitempty" toml:"model"`
	// APIKey falls back to the provider's conventional environment variable.
	APIKey  string `yaml:"api_key" json:"api_key,omitempty" toml:"api_key"`
	BaseURL string `yaml:"base_url" json:"base_url,omitempty" toml:"base_url"`
	// Region is used by bedrock.
	Region     string `yaml:"region" json:"region,omitempty" toml:"region"`
	MaxRetries int    `yaml:"max_retries" json:"max_retries,omitempty" toml:"max_retries"`
}

// apiKeyEnv lists the environment variables consulted per provider.
var apiKeyEnv = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"google":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// New builds the model client named by cfg.Provider.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (agent.ModelClient, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	key := cfg.APIKey
	for _, env := range apiKeyEnv[name] {
		if key != "" {
			break
		}
		key = os.Getenv(env)
	}
	retry := RetryOptions{MaxRetries: cfg.MaxRetries}

	var (
		client agent.ModelClient
		err    error
	)
	switch name {
	case "anthropic":
		client, err = wrap(NewAnthropic(AnthropicConfig{APIKey: key, BaseURL: cfg.BaseURL, DefaultModel: cfg.Model, Retry: retry, Logger: logger}))
	case "openai":
		client, err = wrap(NewOpenAI(OpenAIConfig{APIKey: key, BaseURL: cfg.BaseURL, DefaultModel: cfg.Model, Retry: retry, Logger: logger}))
	case "google", "gemini":
		client, err = wrap(NewGoogle(ctx, GoogleConfig{APIKey: key, DefaultModel: cfg.Model, Retry: retry, Logger: logger}))
	case "bedrock":
		client, err = wrap(NewBedrock(ctx, BedrockConfig{Region: cfg.Region, DefaultModel: cfg.Model, Retry: retry, Logger: logger}))
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}

// wrap avoids returning a typed nil inside the interface.
func wrap[T agent.ModelClient](c T, err error) (agent.ModelClient, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}
