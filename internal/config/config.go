package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for turnloop.
//
// Notes:
//   - Secrets (api keys) must never be stored here. Keys are referenced by
//     environment variable name via backend.api_key_env.
type Config struct {
	Backend BackendConfig `yaml:"backend"`

	// AutoApprove skips the permission requester for every category.
	AutoApprove bool `yaml:"auto_approve,omitempty"`

	// QuestionTimeoutSeconds bounds the wait for a human answer to a
	// clarifying question. Zero means wait until the turn is cancelled.
	QuestionTimeoutSeconds int `yaml:"question_timeout_seconds,omitempty"`

	// StorePath is the sqlite transcript database. Empty disables
	// persistence.
	StorePath string `yaml:"store_path,omitempty"`

	ExternalAgent *ExternalAgentConfig `yaml:"external_agent,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

type BackendConfig struct {
	// Type is one of: "openai" | "anthropic" | "openai_compatible".
	Type string `yaml:"type"`

	// BaseURL overrides the backend endpoint. Required for
	// openai_compatible.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnv names the environment variable holding the api key.
	APIKeyEnv string `yaml:"api_key_env"`

	Model string `yaml:"model"`

	// LockedToolProtocol disables the plain-chat fallback for backends
	// known to only speak the tool-capable protocol.
	LockedToolProtocol bool `yaml:"locked_tool_protocol,omitempty"`
}

// ExternalAgentConfig configures the optional external CLI agent whose
// event stream is mapped onto the display vocabulary.
type ExternalAgentConfig struct {
	Bin  string   `yaml:"bin"`
	Args []string `yaml:"args,omitempty"`

	// ScreenshotTool overrides the tool name subject to duplicate
	// suppression.
	ScreenshotTool string `yaml:"screenshot_tool,omitempty"`
}

const (
	BackendTypeOpenAI           = "openai"
	BackendTypeAnthropic        = "anthropic"
	BackendTypeOpenAICompatible = "openai_compatible"
)

const defaultAPIKeyEnvOpenAI = "OPENAI_API_KEY"
const defaultAPIKeyEnvAnthropic = "ANTHROPIC_API_KEY"

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}

	backendType := strings.TrimSpace(strings.ToLower(c.Backend.Type))
	switch backendType {
	case BackendTypeOpenAI, BackendTypeAnthropic, BackendTypeOpenAICompatible:
	default:
		return fmt.Errorf("invalid backend type %q", c.Backend.Type)
	}

	if strings.TrimSpace(c.Backend.Model) == "" {
		return errors.New("missing backend model")
	}

	baseURL := strings.TrimSpace(c.Backend.BaseURL)
	if backendType == BackendTypeOpenAICompatible && baseURL == "" {
		return errors.New("base_url is required for openai_compatible")
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil || u == nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("invalid base_url scheme %q", u.Scheme)
		}
		if strings.TrimSpace(u.Host) == "" {
			return errors.New("invalid base_url host")
		}
	}

	if c.QuestionTimeoutSeconds < 0 {
		return fmt.Errorf("invalid question_timeout_seconds %d", c.QuestionTimeoutSeconds)
	}

	if c.ExternalAgent != nil && strings.TrimSpace(c.ExternalAgent.Bin) == "" {
		return errors.New("external_agent.bin is required when external_agent is set")
	}

	if format := strings.TrimSpace(strings.ToLower(c.LogFormat)); format != "" && format != "json" && format != "text" {
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	if level := strings.TrimSpace(strings.ToLower(c.LogLevel)); level != "" {
		switch level {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("invalid log_level %q", c.LogLevel)
		}
	}
	return nil
}

func (c *Config) EffectiveBackendType() string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(strings.ToLower(c.Backend.Type))
}

// EffectiveAPIKeyEnv returns the environment variable to read the api key
// from, defaulting per backend type.
func (c *Config) EffectiveAPIKeyEnv() string {
	if c == nil {
		return ""
	}
	if env := strings.TrimSpace(c.Backend.APIKeyEnv); env != "" {
		return env
	}
	if c.EffectiveBackendType() == BackendTypeAnthropic {
		return defaultAPIKeyEnvAnthropic
	}
	return defaultAPIKeyEnvOpenAI
}

func (c *Config) APIKey() (string, error) {
	env := c.EffectiveAPIKeyEnv()
	if env == "" {
		return "", errors.New("missing api_key_env")
	}
	key := strings.TrimSpace(os.Getenv(env))
	if key == "" {
		return "", fmt.Errorf("environment variable %s is empty", env)
	}
	return key, nil
}

func (c *Config) QuestionTimeout() time.Duration {
	if c == nil || c.QuestionTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.QuestionTimeoutSeconds) * time.Second
}

// DefaultConfigPath returns the default config path:
//
//	~/.turnloop/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "turnloop.config.yaml"
	}
	return filepath.Join(home, ".turnloop", "config.yaml")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
