package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentrun/internal/config"
)

func TestLoad_NoConfigFile(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("GOCLAW_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("expected HomeDir=%s, got %q", home, cfg.HomeDir)
	}
}

func TestLoad_GeminiEnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte("gemini_api_key: yaml-key\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GOCLAW_HOME", home)
	t.Setenv("GEMINI_API_KEY", "env-key-123")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.GeminiAPIKey != "env-key-123" {
		t.Fatalf("expected GEMINI_API_KEY override, got %q", cfg.GeminiAPIKey)
	}
}

func TestAPIKey_EnvOverridesYAML(t *testing.T) {
	cfg := config.Config{
		APIKeys: map[string]string{"brave_search": "yaml-key"},
	}
	if got := cfg.APIKey("brave_search"); got != "yaml-key" {
		t.Fatalf("expected yaml-key, got %q", got)
	}

	t.Setenv("BRAVE_API_KEY", "env-key")
	if got := cfg.APIKey("brave_search"); got != "env-key" {
		t.Fatalf("expected env-key, got %q", got)
	}
}

func TestAPIKey_Empty(t *testing.T) {
	cfg := config.Config{}
	if got := cfg.APIKey("brave_search"); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	if got := cfg.APIKey("nonexistent"); got != "" {
		t.Fatalf("expected empty for unknown key, got %q", got)
	}
}

func TestAPIKey_BraveEnvOverride(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Setenv("GOCLAW_HOME", home)
	t.Setenv("BRAVE_API_KEY", "from-env")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIKeys["brave_search"] != "from-env" {
		t.Fatalf("expected api_keys[brave_search]=from-env, got %q", cfg.APIKeys["brave_search"])
	}
}

func TestSetAPIKey_WritesConfig(t *testing.T) {
	homeDir := t.TempDir()
	configPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(configPath, []byte("gemini_api_key: preserved\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	if err := config.SetAPIKey(homeDir, "brave_search", "test-key-123"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}

	t.Setenv("GOCLAW_HOME", homeDir)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg.APIKeys["brave_search"] != "test-key-123" {
		t.Fatalf("expected brave_search=test-key-123, got %q", cfg.APIKeys["brave_search"])
	}
	if cfg.GeminiAPIKey != "preserved" {
		t.Fatalf("expected gemini_api_key preserved, got %q", cfg.GeminiAPIKey)
	}
}

func TestSetAPIKey_CreatesNewConfig(t *testing.T) {
	homeDir := t.TempDir()
	if err := config.SetAPIKey(homeDir, "brave_search", "new-key"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}

	data, err := os.ReadFile(config.ConfigPath(homeDir))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "brave_search") {
		t.Fatalf("expected brave_search in config, got: %s", string(data))
	}
}

func TestLoad_APIKeysFromYAML(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yamlContent := "api_keys:\n  brave_search: yaml-brave-key\n  other_key: other-value\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("GOCLAW_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIKeys["brave_search"] != "yaml-brave-key" {
		t.Fatalf("expected brave_search=yaml-brave-key, got %q", cfg.APIKeys["brave_search"])
	}
	if cfg.APIKeys["other_key"] != "other-value" {
		t.Fatalf("expected other_key=other-value, got %q", cfg.APIKeys["other_key"])
	}
}

func TestAPIKey_PerplexityEnvOverride(t *testing.T) {
	cfg := config.Config{
		APIKeys: map[string]string{"perplexity_search": "yaml-key"},
	}
	if got := cfg.APIKey("perplexity_search"); got != "yaml-key" {
		t.Fatalf("expected yaml-key, got %q", got)
	}
	t.Setenv("PERPLEXITY_API_KEY", "env-pplx-key")
	if got := cfg.APIKey("perplexity_search"); got != "env-pplx-key" {
		t.Fatalf("expected env-pplx-key, got %q", got)
	}
}

func TestLoad_PerplexityEnvPopulatesAPIKeys(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Setenv("GOCLAW_HOME", home)
	t.Setenv("PERPLEXITY_API_KEY", "pplx-from-env")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIKeys["perplexity_search"] != "pplx-from-env" {
		t.Fatalf("expected api_keys[perplexity_search]=pplx-from-env, got %q", cfg.APIKeys["perplexity_search"])
	}
}

func TestLLMProviderAPIKey_OpenRouter(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "or-test-key-123")
	cfg := config.Config{}
	got := cfg.LLMProviderAPIKey("openrouter")
	if got != "or-test-key-123" {
		t.Fatalf("LLMProviderAPIKey(openrouter) = %q, want %q", got, "or-test-key-123")
	}
}

func TestLoad_OpenRouterEnvPopulatesAPIKeys(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Setenv("GOCLAW_HOME", home)
	t.Setenv("OPENROUTER_API_KEY", "or-from-env")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIKeys["openrouter"] != "or-from-env" {
		t.Fatalf("expected api_keys[openrouter]=or-from-env, got %q", cfg.APIKeys["openrouter"])
	}
}

func TestLLMProviderAPIKey_Ollama(t *testing.T) {
	cfg := config.Config{}
	got := cfg.LLMProviderAPIKey("ollama")
	if got != "ollama" {
		t.Fatalf("LLMProviderAPIKey(ollama) = %q, want 'ollama'", got)
	}
}

func TestLLMProviderAPIKey_GeminiFallback(t *testing.T) {
	cfg := config.Config{GeminiAPIKey: "legacy-key"}
	got := cfg.LLMProviderAPIKey("google")
	if got != "legacy-key" {
		t.Fatalf("LLMProviderAPIKey(google) = %q, want legacy-key", got)
	}
}

func TestLLMProviderAPIKey_ProvidersMap(t *testing.T) {
	cfg := config.Config{
		Providers: map[string]config.ProviderConfig{
			"anthropic": {APIKey: "anthropic-key"},
		},
	}
	if got := cfg.LLMProviderAPIKey("anthropic"); got != "anthropic-key" {
		t.Fatalf("LLMProviderAPIKey(anthropic) = %q, want anthropic-key", got)
	}
}
