package config

import (
	"fmt"
	"os"
	"time"
)

// EmbeddingConfig selects the model that turns prompts into cache keys.
// Changing Model or Dimensions invalidates every stored vector.
//
// Provider is one of gemini, jina, openai, openai-compatible. APIKeyEnv
// defaults to the provider's usual variable.
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider"`
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api_key"`
	APIKeyEnv  string        `mapstructure:"api_key_env"`
	BaseURL    string        `mapstructure:"base_url"`
	BaseURLEnv string        `mapstructure:"base_url_env"`
	Dimensions int           `mapstructure:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type embeddingProvider struct {
	keyEnv       string
	needsBaseURL bool
}

var embeddingProviders = map[string]embeddingProvider{
	"gemini":            {keyEnv: "GEMINI_API_KEY"},
	"jina":              {keyEnv: "JINA_API_KEY"},
	"openai":            {keyEnv: "OPENAI_API_KEY"},
	"openai-compatible": {keyEnv: "OPENAI_API_KEY", needsBaseURL: true},
}

// ResolveEnvVars fills APIKey and BaseURL from the environment when they are
// not set directly. An empty APIKeyEnv falls back to the provider's usual
// variable name.
func (c *EmbeddingConfig) ResolveEnvVars() {
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = embeddingProviders[c.Provider].keyEnv
	}
	c.APIKey = firstNonEmpty(c.APIKey, lookupEnv(c.APIKeyEnv))
	c.BaseURL = firstNonEmpty(c.BaseURL, lookupEnv(c.BaseURLEnv))
}

// Validate checks the fields every provider needs.
func (c *EmbeddingConfig) Validate() error {
	p, ok := embeddingProviders[c.Provider]
	if !ok {
		return fmt.Errorf("embedding: unknown provider %q", c.Provider)
	}
	switch {
	case c.Model == "":
		return fmt.Errorf("embedding %q: model is required", c.Provider)
	case c.Dimensions <= 0:
		return fmt.Errorf("embedding %q: dimensions must be positive", c.Provider)
	case p.needsBaseURL && c.BaseURL == "":
		return fmt.Errorf("embedding %q: base_url is required", c.Provider)
	}
	return nil
}

// ValidateWithAPIKey is Validate plus the credential check, for processes
// that will call the provider.
func (c *EmbeddingConfig) ValidateWithAPIKey() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.APIKey == "" {
		return fmt.Errorf("embedding %q: api_key is required (set directly or via %s)", c.Provider, c.APIKeyEnv)
	}
	return nil
}

func lookupEnv(key string) string {
	if key == "" {
		return ""
	}
	return os.Getenv(key)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
