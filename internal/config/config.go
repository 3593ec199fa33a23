package config

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"KB_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"KB_DB_MAX_CONNS" default:"8"`

	EmbeddingEndpoint  string `envconfig:"EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbeddingAPIKey    string `envconfig:"EMBEDDING_API_KEY" default:""`
	EmbeddingModelName string `envconfig:"EMBEDDING_MODEL_NAME" default:"text-embedding-3-small"`

	GeminiAPIKey string `envconfig:"GEMINI_API_KEY" default:""`
	LLMModel     string `envconfig:"LLM_MODEL" default:"gemini-2.0-flash"`
	// DedupModel names a fine-tuned merge classifier. Empty disables the
	// classifier and the dedup adapter falls back to similarity thresholds.
	DedupModel string `envconfig:"LLM_DEDUP_MODEL" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("KB_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("KB_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("KB_DB_MIN_CONNS (%d) cannot exceed KB_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if strings.TrimSpace(c.EmbeddingEndpoint) == "" {
		return fmt.Errorf("EMBEDDING_ENDPOINT is required")
	}
	if strings.TrimSpace(c.EmbeddingModelName) == "" {
		return fmt.Errorf("EMBEDDING_MODEL_NAME is required")
	}
	if strings.TrimSpace(c.DedupModel) != "" && strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("LLM_DEDUP_MODEL requires GEMINI_API_KEY")
	}
	return nil
}

func (c *Config) LLMEnabled() bool {
	return c != nil && strings.TrimSpace(c.GeminiAPIKey) != ""
}
