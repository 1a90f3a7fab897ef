// Package config loads the Hopper YAML configuration with environment
// overrides and normalized defaults.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/hopper/internal/otel"
)

// RoutingConfig tunes the router.
type RoutingConfig struct {
	// BudgetMillis is the soft routing time budget. Default 250.
	BudgetMillis int `yaml:"budget_millis"`

	// MinConfidence gates pattern-based strategies. Default 0.5.
	MinConfidence float64 `yaml:"min_confidence"`

	// Fallback names the default strategy: "least_loaded" or "round_robin".
	Fallback string `yaml:"fallback"`

	// RulesPath points at the routing rules YAML. Empty means
	// <home>/rules.yaml.
	RulesPath string `yaml:"rules_path"`

	// WatchRules enables hot reload of the rules file.
	WatchRules bool `yaml:"watch_rules"`
}

// LearningConfig tunes the learning engine and its maintenance schedules.
type LearningConfig struct {
	ContextTTLSeconds int `yaml:"context_ttl_seconds"` // default 3600
	SimilarLimit      int `yaml:"similar_limit"`       // default 5

	MinEpisodes          int     `yaml:"min_episodes"`           // default 3
	MinPatternConfidence float64 `yaml:"min_pattern_confidence"` // default 0.2

	EpisodeRetentionDays int `yaml:"episode_retention_days"` // default 90
	PatternStaleDays     int `yaml:"pattern_stale_days"`     // default 30

	ConsolidationCron string `yaml:"consolidation_cron"` // default "0 * * * *"
	MemorySweepCron   string `yaml:"memory_sweep_cron"`  // default "*/10 * * * *"
	EpisodePruneCron  string `yaml:"episode_prune_cron"` // default "30 3 * * *"
	PatternSweepCron  string `yaml:"pattern_sweep_cron"` // default "45 3 * * *"
}

// MemoryConfig selects the working-memory backend.
type MemoryConfig struct {
	// Backend is "local" or "redis". Default local.
	Backend string `yaml:"backend"`

	// MaxEntries caps the local backend. Default 1024.
	MaxEntries int `yaml:"max_entries"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// GatewayConfig tunes the HTTP adapter.
type GatewayConfig struct {
	// AuthToken protects mutating endpoints. Empty disables auth.
	AuthToken string `yaml:"auth_token"`

	// RateLimitPerMinute caps requests per client. 0 disables limiting.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// DatabasePath is the SQLite file. Empty means <home>/hopper.db.
	DatabasePath string `yaml:"database_path"`

	Routing  RoutingConfig  `yaml:"routing"`
	Learning LearningConfig `yaml:"learning"`
	Memory   MemoryConfig   `yaml:"memory"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	OTel     otel.Config    `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// RulesPath returns the effective routing-rules file path.
func (c Config) RulesPath() string {
	if c.Routing.RulesPath != "" {
		return c.Routing.RulesPath
	}
	return filepath.Join(c.HomeDir, "rules.yaml")
}

// DBPath returns the effective SQLite file path.
func (c Config) DBPath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.HomeDir, "hopper.db")
}

// RoutingBudget returns the routing budget as a duration.
func (c Config) RoutingBudget() time.Duration {
	return time.Duration(c.Routing.BudgetMillis) * time.Millisecond
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which configuration a process runs under.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|budget=%d|fallback=%s|backend=%s|rate=%d",
		c.BindAddr, c.LogLevel, c.DBPath(), c.Routing.BudgetMillis,
		c.Routing.Fallback, c.Memory.Backend, c.Gateway.RateLimitPerMinute)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18900",
		LogLevel: "info",
		Routing: RoutingConfig{
			BudgetMillis:  250,
			MinConfidence: 0.5,
			Fallback:      "least_loaded",
			WatchRules:    true,
		},
		Learning: LearningConfig{
			ContextTTLSeconds:    3600,
			SimilarLimit:         5,
			MinEpisodes:          3,
			MinPatternConfidence: 0.2,
			EpisodeRetentionDays: 90,
			PatternStaleDays:     30,
		},
		Memory: MemoryConfig{
			Backend:    "local",
			MaxEntries: 1024,
		},
		Gateway: GatewayConfig{
			RateLimitPerMinute: 600,
		},
	}
}

// HomeDir resolves the Hopper home directory, honoring HOPPER_HOME.
func HomeDir() string {
	if override := os.Getenv("HOPPER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".hopper")
}

// Load reads config.yaml from the Hopper home directory, creating the
// directory on first run. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml from an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create hopper home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18900"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Routing.BudgetMillis <= 0 {
		cfg.Routing.BudgetMillis = 250
	}
	if cfg.Routing.MinConfidence <= 0 {
		cfg.Routing.MinConfidence = 0.5
	}
	if cfg.Routing.Fallback == "" {
		cfg.Routing.Fallback = "least_loaded"
	}
	if cfg.Learning.ContextTTLSeconds <= 0 {
		cfg.Learning.ContextTTLSeconds = 3600
	}
	if cfg.Learning.SimilarLimit <= 0 {
		cfg.Learning.SimilarLimit = 5
	}
	if cfg.Learning.MinEpisodes <= 0 {
		cfg.Learning.MinEpisodes = 3
	}
	if cfg.Learning.MinPatternConfidence <= 0 {
		cfg.Learning.MinPatternConfidence = 0.2
	}
	if cfg.Learning.EpisodeRetentionDays <= 0 {
		cfg.Learning.EpisodeRetentionDays = 90
	}
	if cfg.Learning.PatternStaleDays <= 0 {
		cfg.Learning.PatternStaleDays = 30
	}
	if cfg.Memory.Backend == "" {
		cfg.Memory.Backend = "local"
	}
	if cfg.Memory.MaxEntries <= 0 {
		cfg.Memory.MaxEntries = 1024
	}
}

func validate(cfg *Config) error {
	switch cfg.Routing.Fallback {
	case "least_loaded", "round_robin":
	default:
		return fmt.Errorf("routing.fallback must be least_loaded or round_robin, got %q", cfg.Routing.Fallback)
	}
	switch cfg.Memory.Backend {
	case "local":
	case "redis":
		if cfg.Memory.RedisAddr == "" {
			return fmt.Errorf("memory.redis_addr required when memory.backend is redis")
		}
	default:
		return fmt.Errorf("memory.backend must be local or redis, got %q", cfg.Memory.Backend)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HOPPER_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("HOPPER_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HOPPER_DB_PATH"); raw != "" {
		cfg.DatabasePath = raw
	}
	if raw := os.Getenv("HOPPER_RULES_PATH"); raw != "" {
		cfg.Routing.RulesPath = raw
	}
	if raw := os.Getenv("HOPPER_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("HOPPER_ROUTING_BUDGET_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Routing.BudgetMillis = v
		}
	}
	if raw := os.Getenv("HOPPER_REDIS_ADDR"); raw != "" {
		cfg.Memory.Backend = "redis"
		cfg.Memory.RedisAddr = raw
	}
	if raw := os.Getenv("HOPPER_REDIS_PASSWORD"); raw != "" {
		cfg.Memory.RedisPassword = raw
	}
}
