// Package config loads pipeline configuration from the repository's
// .kugutsu/config.yaml, environment variables, and defaults.
package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds the pipeline settings for one run.
type Config struct {
	// BaseRepo is the path to the main repository.
	BaseRepo string `mapstructure:"base_repo"`
	// BaseBranch is the integration branch.
	BaseBranch string `mapstructure:"base_branch"`
	// WorktreeBase is where per-task worktrees live. Empty uses the default
	// cache location.
	WorktreeBase string `mapstructure:"worktree_base"`
	// MaxEngineers bounds concurrent engineers, 1 to 100.
	MaxEngineers int `mapstructure:"max_engineers"`
	// MaxTurns bounds agentic turns per engineer invocation, 5 to 50.
	MaxTurns int `mapstructure:"max_turns"`
	// MaxReviewRetries bounds review rejection loops per task.
	MaxReviewRetries int `mapstructure:"max_review_retries"`
	// Model overrides the agent model. Empty uses the CLI default.
	Model string `mapstructure:"model"`
	// UseRemote enables pushing merged work to the remote.
	UseRemote bool `mapstructure:"use_remote"`
}

// Load reads configuration for the repository at repoPath. Precedence is
// flags (applied by the caller), then KUGUTSU_* environment variables, then
// .kugutsu/config.yaml, then defaults. A missing config file is not an error.
func Load(repoPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("base_repo", repoPath)
	v.SetDefault("base_branch", "main")
	v.SetDefault("worktree_base", "")
	v.SetDefault("max_engineers", 10)
	v.SetDefault("max_turns", 20)
	v.SetDefault("max_review_retries", 5)
	v.SetDefault("model", "")
	v.SetDefault("use_remote", false)

	v.SetEnvPrefix("KUGUTSU")
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(repoPath, ".kugutsu"))
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every setting is in range.
func (c *Config) Validate() error {
	if c.BaseRepo == "" {
		return fmt.Errorf("base_repo must be set")
	}
	if c.BaseBranch == "" {
		return fmt.Errorf("base_branch must be set")
	}
	if c.MaxEngineers < 1 || c.MaxEngineers > 100 {
		return fmt.Errorf("max_engineers must be between 1 and 100, got %d", c.MaxEngineers)
	}
	if c.MaxTurns < 5 || c.MaxTurns > 50 {
		return fmt.Errorf("max_turns must be between 5 and 50, got %d", c.MaxTurns)
	}
	if c.MaxReviewRetries < 1 {
		return fmt.Errorf("max_review_retries must be at least 1, got %d", c.MaxReviewRetries)
	}
	return nil
}
