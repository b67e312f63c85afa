package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	repo := t.TempDir()

	cfg, err := Load(repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseRepo != repo {
		t.Errorf("unexpected base repo %q", cfg.BaseRepo)
	}
	if cfg.BaseBranch != "main" || cfg.MaxEngineers != 10 || cfg.MaxTurns != 20 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.MaxReviewRetries != 5 || cfg.UseRemote {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadFromFile(t *testing.T) {
	repo := t.TempDir()
	dir := filepath.Join(repo, ".kugutsu")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "base_branch: develop\nmax_engineers: 4\nmodel: opus\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseBranch != "develop" || cfg.MaxEngineers != 4 || cfg.Model != "opus" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	// Unset values keep defaults.
	if cfg.MaxTurns != 20 {
		t.Errorf("default lost: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	repo := t.TempDir()
	dir := filepath.Join(repo, ".kugutsu")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("max_engineers: 4\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("KUGUTSU_MAX_ENGINEERS", "7")

	cfg, err := Load(repo)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxEngineers != 7 {
		t.Errorf("env override not applied: %d", cfg.MaxEngineers)
	}
}

func TestValidateRanges(t *testing.T) {
	valid := Config{BaseRepo: "/r", BaseBranch: "main", MaxEngineers: 10, MaxTurns: 20, MaxReviewRetries: 5}

	cases := map[string]func(*Config){
		"no repo":            func(c *Config) { c.BaseRepo = "" },
		"no branch":          func(c *Config) { c.BaseBranch = "" },
		"engineers too low":  func(c *Config) { c.MaxEngineers = 0 },
		"engineers too high": func(c *Config) { c.MaxEngineers = 101 },
		"turns too low":      func(c *Config) { c.MaxTurns = 4 },
		"turns too high":     func(c *Config) { c.MaxTurns = 51 },
		"retries too low":    func(c *Config) { c.MaxReviewRetries = 0 },
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for name, mutate := range cases {
		c := valid
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
