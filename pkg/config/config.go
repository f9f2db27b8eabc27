// Package config loads and validates the runtime configuration.
package config

import (
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/forgeworks/anvil/pkg/errors"
)

// Config is the root configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine,omitempty" validate:"omitempty"`
	LLM     LLMConfig     `yaml:"llm" validate:"required"`
	Storage StorageConfig `yaml:"storage,omitempty" validate:"omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty" validate:"omitempty"`
}

// EngineConfig holds the orchestration knobs.
type EngineConfig struct {
	MaxSteps       int           `yaml:"max_steps" validate:"min=1,max=1000"`
	StepTimeout    time.Duration `yaml:"step_timeout" validate:"min=1s"`
	ScoreThreshold float64       `yaml:"score_threshold" validate:"min=0,max=100"`
	FeedbackDelta  float64       `yaml:"feedback_delta" validate:"gt=0,max=1"`
	StageWeight    float64       `yaml:"stage_weight" validate:"gt=0,max=1"`
}

// LLMConfig selects the generation backend.
type LLMConfig struct {
	Provider string `yaml:"provider" validate:"required,oneof=anthropic static"`
	Model    string `yaml:"model,omitempty"`
	// APIKey falls back to ANTHROPIC_API_KEY when empty.
	APIKey string `yaml:"api_key,omitempty"`
}

// StorageConfig locates the durable stores.
type StorageConfig struct {
	// Dir holds the sqlite databases; empty means in-memory stores.
	Dir      string        `yaml:"dir,omitempty"`
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"min=0"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxSteps:       20,
			StepTimeout:    2 * time.Minute,
			ScoreThreshold: 65,
			FeedbackDelta:  0.05,
			StageWeight:    0.2,
		},
		LLM: LLMConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
		},
		Storage: StorageConfig{
			CacheTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates the
// result. An empty path returns the validated defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, errors.InvalidInput, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrap(err, errors.InvalidInput, "failed to parse config file")
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration against its constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			e := verrs[0]
			return errors.WithFields(
				errors.New(errors.ValidationFailed, "invalid configuration"),
				errors.Fields{"field": e.Namespace(), "constraint": e.Tag()})
		}
		return errors.Wrap(err, errors.ValidationFailed, "invalid configuration")
	}
	if c.LLM.Provider == "anthropic" && c.LLM.Model == "" {
		return errors.New(errors.ValidationFailed, "llm.model is required for the anthropic provider")
	}
	return nil
}
