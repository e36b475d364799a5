package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-LLM-provider settings: a stored API key and,
// for OpenAI-compatible backends, a custom endpoint.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Config is the on-disk configuration for API keys and provider settings,
// loaded from $GOCLAW_HOME/config.yaml (default ~/.goclaw/config.yaml).
type Config struct {
	HomeDir string `yaml:"-"`

	// APIKeys holds centralized API keys for tool integrations.
	// Keys: "brave_search", "perplexity_search". Env vars override:
	// BRAVE_API_KEY -> api_keys["brave_search"].
	APIKeys map[string]string `yaml:"api_keys"`

	// Providers holds per-LLM-provider configuration (API key, custom
	// endpoint), keyed by provider name ("google", "anthropic", "openai",
	// "openrouter").
	Providers map[string]ProviderConfig `yaml:"providers"`

	// GeminiAPIKey is a legacy alias for providers.google.api_key.
	GeminiAPIKey string `yaml:"gemini_api_key"`
}

// APIKey returns the value for the named tool API key, checking env
// overrides first.
func (c Config) APIKey(name string) string {
	envMap := map[string]string{
		"brave_search":      "BRAVE_API_KEY",
		"perplexity_search": "PERPLEXITY_API_KEY",
	}
	if envVar, ok := envMap[name]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.APIKeys != nil {
		return c.APIKeys[name]
	}
	return ""
}

// LLMProviderAPIKey returns the API key for the named LLM provider.
// Env vars take precedence: GOOGLE_API_KEY, ANTHROPIC_API_KEY,
// OPENAI_API_KEY, OPENROUTER_API_KEY. "ollama" needs no key and returns
// the literal provider name as a placeholder.
func (c Config) LLMProviderAPIKey(provider string) string {
	if provider == "ollama" {
		return "ollama"
	}
	envMap := map[string]string{
		"google":     "GOOGLE_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	// Fallback to the deprecated top-level key for google.
	if provider == "google" && c.GeminiAPIKey != "" {
		return c.GeminiAPIKey
	}
	return ""
}

// HomeDir returns the directory config.yaml and policy.yaml are read from,
// overridable via GOCLAW_HOME for tests and multi-instance setups.
func HomeDir() string {
	if override := os.Getenv("GOCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".goclaw")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	cfg := Config{HomeDir: HomeDir()}

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create goclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// SetAPIKey updates a single API key in config.yaml, preserving other settings.
func SetAPIKey(homeDir, name, value string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	apiKeys, _ := raw["api_keys"].(map[string]interface{})
	if apiKeys == nil {
		apiKeys = make(map[string]interface{})
	}
	apiKeys[name] = value
	raw["api_keys"] = apiKeys
	return saveRawConfig(configPath, raw)
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GEMINI_API_KEY"); raw != "" {
		cfg.GeminiAPIKey = raw
	}
	if raw := os.Getenv("BRAVE_API_KEY"); raw != "" {
		if cfg.APIKeys == nil {
			cfg.APIKeys = make(map[string]string)
		}
		cfg.APIKeys["brave_search"] = raw
	}
	if raw := os.Getenv("PERPLEXITY_API_KEY"); raw != "" {
		if cfg.APIKeys == nil {
			cfg.APIKeys = make(map[string]string)
		}
		cfg.APIKeys["perplexity_search"] = raw
	}
	if raw := os.Getenv("OPENROUTER_API_KEY"); raw != "" {
		if cfg.APIKeys == nil {
			cfg.APIKeys = make(map[string]string)
		}
		cfg.APIKeys["openrouter"] = raw
	}
}
