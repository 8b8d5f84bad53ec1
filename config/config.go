// Package config loads service configuration from a YAML file with
// environment overrides. A .env file in the working directory is honored.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ModelConfig selects the chat completion backend. Any OpenAI-compatible
// endpoint works, including Ollama's /v1 path.
type ModelConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"`
}

// KnowledgeDoc is one seeded knowledge base entry.
type KnowledgeDoc struct {
	ID      string `yaml:"id"`
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

// Config is the full service configuration.
type Config struct {
	Addr            string         `yaml:"addr"`
	DBPath          string         `yaml:"db_path"`
	CheckpointStore string         `yaml:"checkpoint_store"`
	RedisAddr       string         `yaml:"redis_addr"`
	LogLevel        string         `yaml:"log_level"`
	Model           ModelConfig    `yaml:"model"`
	Tracing         TracingConfig  `yaml:"tracing"`
	Knowledge       []KnowledgeDoc `yaml:"knowledge"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Addr:            ":8000",
		DBPath:          "multichat.db",
		CheckpointStore: "sqlite",
		RedisAddr:       "localhost:6379",
		LogLevel:        "info",
		Model: ModelConfig{
			Name:    "llama3.1:8b",
			BaseURL: "http://localhost:11434/v1",
		},
	}
}

// Load reads the YAML file at path (optional) and applies environment
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	// Missing .env files are fine.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overrideString(&cfg.Addr, "MULTICHAT_ADDR")
	overrideString(&cfg.DBPath, "MULTICHAT_DB_PATH")
	overrideString(&cfg.CheckpointStore, "MULTICHAT_CHECKPOINT_STORE")
	overrideString(&cfg.RedisAddr, "MULTICHAT_REDIS_ADDR")
	overrideString(&cfg.LogLevel, "MULTICHAT_LOG_LEVEL")
	overrideString(&cfg.Model.Name, "MULTICHAT_MODEL")
	overrideString(&cfg.Model.BaseURL, "MULTICHAT_MODEL_BASE_URL")
	overrideString(&cfg.Model.APIKey, "OPENAI_API_KEY")
	return cfg, nil
}

func overrideString(target *string, env string) {
	if v := os.Getenv(env); v != "" {
		*target = v
	}
}
