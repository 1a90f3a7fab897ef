package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18900" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.Routing.BudgetMillis != 250 || cfg.RoutingBudget() != 250*time.Millisecond {
		t.Fatalf("budget = %d", cfg.Routing.BudgetMillis)
	}
	if cfg.Routing.Fallback != "least_loaded" {
		t.Fatalf("fallback = %q", cfg.Routing.Fallback)
	}
	if cfg.Memory.Backend != "local" {
		t.Fatalf("backend = %q", cfg.Memory.Backend)
	}
	if cfg.Learning.EpisodeRetentionDays != 90 {
		t.Fatalf("retention = %d", cfg.Learning.EpisodeRetentionDays)
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	doc := `
bind_addr: "0.0.0.0:9000"
log_level: debug
routing:
  budget_millis: 100
  fallback: round_robin
learning:
  similar_limit: 10
gateway:
  auth_token: sekrit
`
	if err := os.WriteFile(ConfigPath(home), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:9000" || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Routing.BudgetMillis != 100 || cfg.Routing.Fallback != "round_robin" {
		t.Fatalf("routing = %+v", cfg.Routing)
	}
	if cfg.Learning.SimilarLimit != 10 {
		t.Fatalf("similar_limit = %d", cfg.Learning.SimilarLimit)
	}
	if cfg.Gateway.AuthToken != "sekrit" {
		t.Fatal("auth token not loaded")
	}
	// Unset fields keep their defaults.
	if cfg.Learning.MinEpisodes != 3 {
		t.Fatalf("min_episodes = %d", cfg.Learning.MinEpisodes)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOPPER_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("HOPPER_ROUTING_BUDGET_MS", "50")
	t.Setenv("HOPPER_AUTH_TOKEN", "from-env")

	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Fatalf("bind_addr = %q", cfg.BindAddr)
	}
	if cfg.Routing.BudgetMillis != 50 {
		t.Fatalf("budget = %d", cfg.Routing.BudgetMillis)
	}
	if cfg.Gateway.AuthToken != "from-env" {
		t.Fatal("auth token override not applied")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	home := t.TempDir()
	doc := "routing:\n  fallback: random\n"
	if err := os.WriteFile(ConfigPath(home), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(home); err == nil {
		t.Fatal("expected error for unknown fallback")
	}

	home2 := t.TempDir()
	doc2 := "memory:\n  backend: redis\n"
	if err := os.WriteFile(ConfigPath(home2), []byte(doc2), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(home2); err == nil {
		t.Fatal("expected error for redis backend without addr")
	}
}

func TestPathsDefaultToHome(t *testing.T) {
	home := t.TempDir()
	cfg, err := LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath() != filepath.Join(home, "hopper.db") {
		t.Fatalf("db path = %q", cfg.DBPath())
	}
	if cfg.RulesPath() != filepath.Join(home, "rules.yaml") {
		t.Fatalf("rules path = %q", cfg.RulesPath())
	}
}

func TestFingerprintStable(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a, b := cfg.Fingerprint(), cfg.Fingerprint()
	if a != b {
		t.Fatalf("fingerprint unstable: %s vs %s", a, b)
	}
	cfg.BindAddr = "elsewhere:1"
	if cfg.Fingerprint() == a {
		t.Fatal("fingerprint did not change with config")
	}
}
