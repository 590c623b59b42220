// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Caption backends.
const (
	CaptionOllama = "ollama"
)

// Embedding backends.
const (
	EmbeddingHashing = "hashing"
	EmbeddingGemini  = "gemini"
)

// Config represents the full configuration for framecaption.
type Config struct {
	OutputRoot string `yaml:"output_root"`
	Workers    int    `yaml:"workers"` // videos processed at once

	Caption   CaptionConfig   `yaml:"caption"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Video     VideoConfig     `yaml:"video"`
	Log       LogConfig       `yaml:"log"`
}

// CaptionConfig selects and locates the VQA caption model.
type CaptionConfig struct {
	Backend      string `yaml:"backend"`
	Model        string `yaml:"model"`
	BaseURL      string `yaml:"base_url"`
	Port         int    `yaml:"port"`
	MaxImageSide int    `yaml:"max_image_side"` // 0 disables resizing
}

// EmbeddingConfig selects and locates the sentence embedding model.
type EmbeddingConfig struct {
	Backend   string `yaml:"backend"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	APIKey    string `yaml:"api_key"`
	Workers   int    `yaml:"workers"`
}

// IndexConfig configures the optional Postgres similarity index.
type IndexConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"` // empty disables the index
}

// VideoConfig locates the decoding tools.
type VideoConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Defaults returns a Config with default values.
func Defaults() Config {
	return Config{
		OutputRoot: "output",
		Workers:    1,
		Caption: CaptionConfig{
			Backend:      CaptionOllama,
			Model:        "llama3.2-vision:11b",
			BaseURL:      "http://localhost",
			Port:         11434,
			MaxImageSide: 384,
		},
		Embedding: EmbeddingConfig{
			Backend:   EmbeddingHashing,
			Model:     "text-embedding-004",
			Dimension: 768,
			Workers:   4,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config '%s': %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config '%s': %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.OutputRoot) == "" {
		return fmt.Errorf("output_root must not be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}

	switch c.Caption.Backend {
	case CaptionOllama:
		if c.Caption.Model == "" {
			return fmt.Errorf("caption.model must not be empty")
		}
		if c.Caption.Port <= 0 || c.Caption.Port > 65535 {
			return fmt.Errorf("caption.port out of range: %d", c.Caption.Port)
		}
	default:
		return fmt.Errorf("unknown caption backend %q", c.Caption.Backend)
	}
	if c.Caption.MaxImageSide < 0 {
		return fmt.Errorf("caption.max_image_side must not be negative")
	}

	switch c.Embedding.Backend {
	case EmbeddingHashing:
	case EmbeddingGemini:
		if c.Embedding.APIKey == "" {
			return fmt.Errorf("embedding.api_key is required for the gemini backend")
		}
	default:
		return fmt.Errorf("unknown embedding backend %q", c.Embedding.Backend)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.Workers <= 0 {
		return fmt.Errorf("embedding.workers must be positive, got %d", c.Embedding.Workers)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
