package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Endpoint Endpoint      `yaml:"endpoint"`
	Session  SessionConfig `yaml:"session"`
	Storage  StorageConfig `yaml:"storage"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

type Endpoint struct {
	URL              string `yaml:"url"`
	Token            string `yaml:"token"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
}

type SessionConfig struct {
	Mode              string   `yaml:"mode"`
	Model             string   `yaml:"model"`
	MaxTurns          int      `yaml:"max_turns"`
	MaxBudgetUSD      float64  `yaml:"max_budget_usd"`
	MaxThinkingTokens int      `yaml:"max_thinking_tokens"`
	AllowedTools      []string `yaml:"allowed_tools"`
	DisallowedTools   []string `yaml:"disallowed_tools"`
}

type StorageConfig struct {
	StateDir           string `yaml:"state_dir"`
	TranscriptMaxBytes int64  `yaml:"transcript_max_bytes"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	// Optional environment override for the bearer token.
	if envToken := os.Getenv("CHATD_ENDPOINT_TOKEN"); envToken != "" {
		cfg.Endpoint.Token = envToken
	}

	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with daemon defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.Endpoint.ReconnectDelayMs == 0 {
		cfg.Endpoint.ReconnectDelayMs = 1000
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = "default"
	}
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = "/var/lib/chatd"
	}
	if cfg.Storage.TranscriptMaxBytes == 0 {
		cfg.Storage.TranscriptMaxBytes = 5 * 1024 * 1024
	}
}
