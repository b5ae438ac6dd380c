package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen string      `yaml:"listen"`
	UserID string      `yaml:"user_id"`
	Store  StoreConfig `yaml:"store"`
	Engine EngineConfig `yaml:"engine"`
	Search SearchConfig `yaml:"search"`
}

type StoreConfig struct {
	// Backend is one of memory, postgres, redis.
	Backend     string `yaml:"backend"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisURL    string `yaml:"redis_url"`
}

type EngineConfig struct {
	AppID     string `yaml:"app_id"`
	SignalURL string `yaml:"signal_url"`
}

type SearchConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Listen: ":8080",
		Store:  StoreConfig{Backend: "memory"},
		Search: SearchConfig{
			PollInterval: 3 * time.Second,
			Timeout:      30 * time.Second,
		},
	}
}

// Load reads the yaml file when path is non-empty, then applies environment
// overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Listen, "CALLCORE_LISTEN")
	setString(&cfg.UserID, "CALLCORE_USER_ID")
	setString(&cfg.Store.Backend, "CALLCORE_STORE_BACKEND")
	setString(&cfg.Store.PostgresDSN, "CALLCORE_POSTGRES_DSN")
	setString(&cfg.Store.RedisURL, "CALLCORE_REDIS_URL")
	setString(&cfg.Engine.AppID, "CALLCORE_ENGINE_APP_ID")
	setString(&cfg.Engine.SignalURL, "CALLCORE_ENGINE_SIGNAL_URL")
	setDuration(&cfg.Search.PollInterval, "CALLCORE_SEARCH_POLL_INTERVAL")
	setDuration(&cfg.Search.Timeout, "CALLCORE_SEARCH_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store backend postgres requires postgres_dsn")
		}
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store backend redis requires redis_url")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Search.PollInterval <= 0 {
		return fmt.Errorf("search poll_interval must be positive")
	}
	if c.Search.Timeout <= 0 {
		return fmt.Errorf("search timeout must be positive")
	}
	return nil
}
