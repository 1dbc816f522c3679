package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// Config is the explicit configuration for every component. It is
// built once at process start and handed to constructors; no component
// reads ambient environment state on its own.
type Config struct {
	// SourceDir holds per-project transcript directories written by
	// the assistant host.
	SourceDir string `json:"source_dir" mapstructure:"source_dir"`

	// DataDir is the root for the archive, the index database, the
	// worker socket, and logs.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Embedding  EmbeddingConfig  `json:"embedding" mapstructure:"embedding"`
	Extraction ExtractionConfig `json:"extraction" mapstructure:"extraction"`
	Sync       SyncConfig       `json:"sync" mapstructure:"sync"`
	Worker     WorkerConfig     `json:"worker" mapstructure:"worker"`
	Inject     InjectConfig     `json:"inject" mapstructure:"inject"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// EmbeddingConfig holds embedding provider configuration.
type EmbeddingConfig struct {
	Provider          string `json:"provider" mapstructure:"provider"` // openai or "" (disabled)
	APIKey            string `json:"api_key" mapstructure:"api_key"`
	Model             string `json:"model" mapstructure:"model"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// ExtractionConfig holds the observation-extraction provider
// configuration. An empty provider disables extraction; queued events
// stay put.
type ExtractionConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // anthropic or "" (disabled)
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model" mapstructure:"model"`
}

// SyncConfig holds indexer options.
type SyncConfig struct {
	Concurrency int `json:"concurrency" mapstructure:"concurrency"` // 1..16
}

// WorkerConfig holds embedding worker options.
type WorkerConfig struct {
	IdleTimeoutSeconds int `json:"idle_timeout_seconds" mapstructure:"idle_timeout_seconds"`
}

// InjectConfig holds session-start digest budgets.
type InjectConfig struct {
	MaxObservations int  `json:"max_observations" mapstructure:"max_observations"`
	MaxTokens       int  `json:"max_tokens" mapstructure:"max_tokens"`
	RecencyDays     int  `json:"recency_days" mapstructure:"recency_days"`
	ProjectOnly     bool `json:"project_only" mapstructure:"project_only"`
}

// ArchiveDir is where transcripts are copied verbatim.
func (c *Config) ArchiveDir() string {
	return filepath.Join(c.DataDir, "archive")
}

// DBPath is the index database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "index.db")
}

// WorkerSocket is the unix socket path the embedding worker binds.
func (c *Config) WorkerSocket() string {
	return filepath.Join(c.DataDir, "worker.sock")
}

// Enabled reports whether an embedding provider is fully configured.
func (c EmbeddingConfig) Enabled() bool {
	return c.Provider != "" && c.APIKey != ""
}

// Enabled reports whether an extraction provider is fully configured.
// When it is not, queued events are left in place, never dropped.
func (c ExtractionConfig) Enabled() bool {
	return c.Provider != "" && c.APIKey != ""
}

// DefaultConfig returns a config with default values. Directories stay
// empty here; the loader fills them from the home directory.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Embedding: EmbeddingConfig{
			Provider:          "openai",
			Model:             "text-embedding-3-small",
			RequestsPerMinute: 60,
			MaxConcurrent:     4,
		},
		Extraction: ExtractionConfig{
			Provider: "anthropic",
		},
		Sync: SyncConfig{
			Concurrency: 4,
		},
		Worker: WorkerConfig{
			IdleTimeoutSeconds: 60,
		},
		Inject: InjectConfig{
			MaxObservations: 10,
			MaxTokens:       2000,
			RecencyDays:     14,
			ProjectOnly:     true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.SourceDir == "" {
		return fmt.Errorf("source_dir is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Sync.Concurrency < 1 || c.Sync.Concurrency > 16 {
		return fmt.Errorf("sync.concurrency must be in [1, 16], got %d", c.Sync.Concurrency)
	}

	switch c.Embedding.Provider {
	case "", "openai":
	default:
		return fmt.Errorf("embedding.provider must be openai or empty, got %q", c.Embedding.Provider)
	}

	switch c.Extraction.Provider {
	case "", "anthropic":
	default:
		return fmt.Errorf("extraction.provider must be anthropic or empty, got %q", c.Extraction.Provider)
	}

	if c.Worker.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("worker.idle_timeout_seconds must not be negative")
	}
	if c.Inject.MaxObservations < 0 || c.Inject.MaxTokens < 0 || c.Inject.RecencyDays < 0 {
		return fmt.Errorf("inject budgets must not be negative")
	}

	return nil
}
