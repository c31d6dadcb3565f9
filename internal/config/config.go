// Package config loads layered run configuration: built-in defaults, then a
// YAML file, then environment overrides. Unknown keys in the file are an
// error at load so typos never silently fall back to defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"muckrake/internal/types"
)

// Config is the full runtime configuration.
type Config struct {
	LLM     LLMConfig               `yaml:"llm"`
	Sources map[string]SourceConfig `yaml:"sources"`
	Limits  LimitsConfig            `yaml:"limits"`
	Filter  FilterConfig            `yaml:"filter"`
	OutDir  string                  `yaml:"out_dir"`
}

// LLMConfig configures the model gateway.
type LLMConfig struct {
	Provider  string `yaml:"provider"` // gemini, openai
	Model     string `yaml:"model"`
	BaseURL   string `yaml:"base_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	TimeoutS  int    `yaml:"timeout_s"`
}

// SourceConfig is the per-source feature flag and key wiring.
type SourceConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	APIKeyEnv string `yaml:"api_key_env"`
	// Path is used by filesystem-backed sources (local document archive).
	Path string `yaml:"path"`
}

// LimitsConfig mirrors types.Constraints in file-friendly units.
type LimitsConfig struct {
	MaxDepth             int            `yaml:"max_depth"`
	MaxTimeS             int            `yaml:"max_time_s"`
	MaxGoals             int            `yaml:"max_goals"`
	MaxCostUSD           float64        `yaml:"max_cost_usd"`
	MaxConcurrent        int            `yaml:"max_concurrent"`
	DefaultResultLimit   int            `yaml:"default_result_limit"`
	PerSourceResultLimit map[string]int `yaml:"per_source_result_limit"`
	MaxRetriesPerGoal    int            `yaml:"max_retries_per_goal"`
	MinResultsToContinue int            `yaml:"min_results_to_continue"`
	MaxFollowUpsPerGoal  int            `yaml:"max_follow_ups_per_goal"`
}

// FilterConfig configures the relevance filter.
type FilterConfig struct {
	Threshold int `yaml:"threshold"`
}

// Default returns the built-in configuration layer.
func Default() *Config {
	c := types.DefaultConstraints()
	return &Config{
		LLM: LLMConfig{
			Provider:  "gemini",
			Model:     "gemini-2.5-flash",
			APIKeyEnv: "GEMINI_API_KEY",
			TimeoutS:  180,
		},
		Sources: map[string]SourceConfig{},
		Limits: LimitsConfig{
			MaxDepth:             c.MaxDepth,
			MaxTimeS:             int(c.MaxTime / time.Second),
			MaxGoals:             c.MaxGoals,
			MaxCostUSD:           c.MaxCostUSD,
			MaxConcurrent:        c.MaxConcurrent,
			DefaultResultLimit:   c.DefaultResultLimit,
			MaxRetriesPerGoal:    c.MaxRetriesPerGoal,
			MinResultsToContinue: c.MinResultsToContinue,
			MaxFollowUpsPerGoal:  c.MaxFollowUpsPerGoal,
		},
		Filter: FilterConfig{Threshold: c.FilterThreshold},
		OutDir: "runs",
	}
}

// Load builds the layered configuration. path may be empty (defaults +
// environment only). Unknown YAML keys error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers MUCKRAKE_* environment variables on top of the
// file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MUCKRAKE_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("MUCKRAKE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("MUCKRAKE_LLM_TIMEOUT_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.TimeoutS = n
		}
	}
	if v := os.Getenv("MUCKRAKE_MAX_COST_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Limits.MaxCostUSD = f
		}
	}
	if v := os.Getenv("MUCKRAKE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConcurrent = n
		}
	}
	if v := os.Getenv("MUCKRAKE_OUT_DIR"); v != "" {
		cfg.OutDir = v
	}
}

// Validate rejects configurations the agent cannot run with.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "gemini", "openai":
	default:
		return fmt.Errorf("unknown llm.provider %q (want gemini or openai)", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.Limits.MaxConcurrent < 1 {
		return fmt.Errorf("limits.max_concurrent must be >= 1")
	}
	if c.Filter.Threshold < 0 || c.Filter.Threshold > 10 {
		return fmt.Errorf("filter.threshold must be in 0..10")
	}
	if c.Limits.MaxCostUSD < 0 {
		return fmt.Errorf("limits.max_cost_usd must be >= 0")
	}
	return nil
}

// Constraints converts the limits layer into the agent's constraint set.
func (c *Config) Constraints() types.Constraints {
	return types.Constraints{
		MaxDepth:             c.Limits.MaxDepth,
		MaxTime:              time.Duration(c.Limits.MaxTimeS) * time.Second,
		MaxGoals:             c.Limits.MaxGoals,
		MaxCostUSD:           c.Limits.MaxCostUSD,
		MaxConcurrent:        c.Limits.MaxConcurrent,
		PerSourceResultLimit: c.Limits.PerSourceResultLimit,
		DefaultResultLimit:   c.Limits.DefaultResultLimit,
		MaxRetriesPerGoal:    c.Limits.MaxRetriesPerGoal,
		FilterThreshold:      c.Filter.Threshold,
		MinResultsToContinue: c.Limits.MinResultsToContinue,
		MaxFollowUpsPerGoal:  c.Limits.MaxFollowUpsPerGoal,
	}
}

// SourceEnabled reports whether a source is feature-flagged on. Sources are
// enabled by default; a config entry with enabled: false turns one off.
func (c *Config) SourceEnabled(id string) bool {
	sc, ok := c.Sources[id]
	if !ok || sc.Enabled == nil {
		return true
	}
	return *sc.Enabled
}
