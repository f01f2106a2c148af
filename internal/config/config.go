// Package config provides configuration loading for whispercore.
//
// Configuration is read from an optional YAML file and then overridden by
// WHISPERCORE_-prefixed environment variables. Missing values fall back to
// the defaults in applyDefaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/knadh/koanf/v2"
)

// Config holds the complete whispercore configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	LLM     LLMConfig     `koanf:"llm"`
	Retry   RetryConfig   `koanf:"retry"`
	Stream  StreamConfig  `koanf:"stream"`
	Prompt  PromptConfig  `koanf:"prompt"`
	Storage StorageConfig `koanf:"storage"`
	NATS    NATSConfig    `koanf:"nats"`

	// k keeps the merged sources so other packages (logging, telemetry)
	// can unmarshal their own sections without an import cycle.
	k *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LLMConfig configures the text-generation endpoint.
type LLMConfig struct {
	BaseURL       string   `koanf:"base_url"`
	Model         string   `koanf:"model"`
	APIKey        Secret   `koanf:"api_key"`
	Timeout       Duration `koanf:"timeout"`
	HealthTimeout Duration `koanf:"health_timeout"`
	RateLimit     float64  `koanf:"rate_limit"` // requests per second, 0 disables
	Burst         int      `koanf:"burst"`
}

// RetryConfig configures the backoff supervisor.
type RetryConfig struct {
	MaxAttempts  int      `koanf:"max_attempts"`
	InitialDelay Duration `koanf:"initial_delay"`
}

// StreamConfig configures live token streaming.
type StreamConfig struct {
	IdleTimeout Duration `koanf:"idle_timeout"`
}

// PromptConfig configures prompt composition.
type PromptConfig struct {
	DefaultTone  string   `koanf:"default_tone"`
	VisionModels []string `koanf:"vision_models"`
}

// StorageConfig configures the memory record store.
type StorageConfig struct {
	Path string `koanf:"path"`
}

// NATSConfig configures the submission worker.
type NATSConfig struct {
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
	Queue   string `koanf:"queue"`
}

// Load returns a configuration built from defaults and environment
// variables only.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := loadEnv(k); err != nil {
		return nil, err
	}
	return finish(k)
}

// Unmarshal decodes the section at path into out. Values already present
// in out act as defaults for keys the sources do not set.
func (c *Config) Unmarshal(path string, out interface{}) error {
	if c.k == nil {
		return nil
	}
	if err := c.k.Unmarshal(path, out); err != nil {
		return fmt.Errorf("failed to unmarshal %q: %w", path, err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	u, err := url.Parse(c.LLM.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid llm base_url: %q", c.LLM.BaseURL)
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("llm timeout must be positive")
	}
	if c.LLM.RateLimit < 0 {
		return fmt.Errorf("llm rate_limit must be >= 0, got %v", c.LLM.RateLimit)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay < 0 {
		return errors.New("retry initial_delay cannot be negative")
	}

	if c.Stream.IdleTimeout <= 0 {
		return errors.New("stream idle_timeout must be positive")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "http://localhost:11434"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "llama3:8b"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(300 * time.Second)
	}
	if cfg.LLM.HealthTimeout == 0 {
		cfg.LLM.HealthTimeout = Duration(10 * time.Second)
	}
	if cfg.LLM.Burst == 0 {
		cfg.LLM.Burst = 5
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = Duration(time.Second)
	}

	if cfg.Stream.IdleTimeout == 0 {
		cfg.Stream.IdleTimeout = Duration(60 * time.Second)
	}

	if cfg.Prompt.DefaultTone == "" {
		cfg.Prompt.DefaultTone = "empathetic"
	}
	if len(cfg.Prompt.VisionModels) == 0 {
		cfg.Prompt.VisionModels = []string{"vision", "llava", "llama3.1", "claude", "gpt-4v", "gemini"}
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "~/.local/share/whispercore/memories.db"
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://localhost:4222"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "whispercore.memories.submit"
	}
	if cfg.NATS.Queue == "" {
		cfg.NATS.Queue = "whispercore-workers"
	}
}
