package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Type:  BackendTypeOpenAI,
			Model: "gpt-5",
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"bad type", func(c *Config) { c.Backend.Type = "azure" }, "invalid backend type"},
		{"missing model", func(c *Config) { c.Backend.Model = " " }, "missing backend model"},
		{"compatible without base_url", func(c *Config) { c.Backend.Type = BackendTypeOpenAICompatible }, "base_url is required"},
		{"bad base_url scheme", func(c *Config) { c.Backend.BaseURL = "ftp://example.com" }, "invalid base_url scheme"},
		{"base_url without host", func(c *Config) { c.Backend.BaseURL = "http://" }, "invalid base_url host"},
		{"negative timeout", func(c *Config) { c.QuestionTimeoutSeconds = -1 }, "invalid question_timeout_seconds"},
		{"external agent without bin", func(c *Config) { c.ExternalAgent = &ExternalAgentConfig{} }, "external_agent.bin is required"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "invalid log_format"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "invalid log_level"},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
			t.Errorf("%s: Validate err = %v, want %q", tc.name, err, tc.wantSub)
		}
	}
}

func TestValidateTypeCaseInsensitive(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Backend.Type = "  Anthropic "
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.EffectiveBackendType(); got != BackendTypeAnthropic {
		t.Errorf("EffectiveBackendType = %q", got)
	}
}

func TestEffectiveAPIKeyEnv(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if got := cfg.EffectiveAPIKeyEnv(); got != "OPENAI_API_KEY" {
		t.Errorf("openai default = %q", got)
	}

	cfg.Backend.Type = BackendTypeAnthropic
	if got := cfg.EffectiveAPIKeyEnv(); got != "ANTHROPIC_API_KEY" {
		t.Errorf("anthropic default = %q", got)
	}

	cfg.Backend.APIKeyEnv = "MY_GATEWAY_KEY"
	if got := cfg.EffectiveAPIKeyEnv(); got != "MY_GATEWAY_KEY" {
		t.Errorf("explicit override = %q", got)
	}
}

func TestQuestionTimeout(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if got := cfg.QuestionTimeout(); got != 0 {
		t.Errorf("default timeout = %v", got)
	}
	cfg.QuestionTimeoutSeconds = 90
	if got := cfg.QuestionTimeout(); got != 90*time.Second {
		t.Errorf("timeout = %v", got)
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `backend:
  type: openai_compatible
  base_url: http://localhost:8080/v1
  api_key_env: GATEWAY_KEY
  model: local-model
  locked_tool_protocol: true
question_timeout_seconds: 120
store_path: /var/lib/turnloop/turns.sqlite
external_agent:
  bin: /usr/local/bin/agent
  args: ["--stream"]
  screenshot_tool: grab_screen
log_format: json
log_level: debug
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Type != BackendTypeOpenAICompatible || cfg.Backend.Model != "local-model" {
		t.Errorf("backend = %+v", cfg.Backend)
	}
	if !cfg.Backend.LockedToolProtocol {
		t.Errorf("locked_tool_protocol not decoded")
	}
	if cfg.QuestionTimeoutSeconds != 120 || cfg.StorePath == "" {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.ExternalAgent == nil || cfg.ExternalAgent.Bin != "/usr/local/bin/agent" || cfg.ExternalAgent.ScreenshotTool != "grab_screen" {
		t.Errorf("external_agent = %+v", cfg.ExternalAgent)
	}
	if len(cfg.ExternalAgent.Args) != 1 || cfg.ExternalAgent.Args[0] != "--stream" {
		t.Errorf("args = %v", cfg.ExternalAgent.Args)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backend:\n  type: openai\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "invalid config") {
		t.Fatalf("Load err = %v", err)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load of missing file should fail")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := validConfig()
	cfg.QuestionTimeoutSeconds = 30
	cfg.LogFormat = "text"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Backend.Model != cfg.Backend.Model || loaded.QuestionTimeoutSeconds != 30 || loaded.LogFormat != "text" {
		t.Errorf("round trip mismatch: %+v", loaded)
	}

	if err := Save(filepath.Join(t.TempDir(), "bad.yaml"), &Config{}); err == nil {
		t.Errorf("Save of invalid config should fail")
	}
}
