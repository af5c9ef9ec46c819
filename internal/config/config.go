// Package config loads quizpilot configuration from YAML, .env and the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all runtime settings.
type Config struct {
	// Listen is the address of the HTTP front door.
	Listen string `yaml:"listen"`
	// DBPath is the SQLite status store location.
	DBPath string `yaml:"db_path"`
	// SecretKey must match the secret of inbound requests.
	SecretKey string `yaml:"secret_key"`

	LLM       LLMConfig       `yaml:"llm"`
	Cache     CacheConfig     `yaml:"cache"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Events    EventsConfig    `yaml:"events"`
	Log       LogConfig       `yaml:"log"`
}

// LLMConfig configures the chat-completion collaborator.
type LLMConfig struct {
	URL       string        `yaml:"url"`
	Token     string        `yaml:"token"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
	System    string        `yaml:"system"`
}

// CacheConfig configures the response memo.
type CacheConfig struct {
	// Backend is "memory", "redis" or "none".
	Backend   string        `yaml:"backend"`
	Capacity  int           `yaml:"capacity"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// SandboxConfig configures program execution.
type SandboxConfig struct {
	// Strategy is "process", "inline" or "docker".
	Strategy       string        `yaml:"strategy"`
	Interpreter    string        `yaml:"interpreter"`
	Timeout        time.Duration `yaml:"timeout"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	WorkDir        string        `yaml:"work_dir"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	Docker         DockerConfig  `yaml:"docker"`
}

// DockerConfig holds container limits for the docker strategy.
type DockerConfig struct {
	Image   string `yaml:"image"`
	Memory  string `yaml:"memory"`
	CPUs    string `yaml:"cpus"`
	Pids    string `yaml:"pids"`
	Tmpfs   string `yaml:"tmpfs"`
	Network string `yaml:"network"`
}

// PipelineConfig bounds the attempt chain.
type PipelineConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	MaxResubmits int `yaml:"max_resubmits"`
}

// SchedulerConfig bounds background work.
type SchedulerConfig struct {
	GlobalMax int `yaml:"global_max"`
	QueueSize int `yaml:"queue_size"`
}

// EventsConfig configures terminal-outcome publishing. Empty URL disables it.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Listen: "127.0.0.1:8000",
		DBPath: filepath.Join(home, ".quizpilot", "quizpilot.db"),
		LLM: LLMConfig{
			URL:       "https://aipipe.org/openrouter/v1/chat/completions",
			Model:     "openai/gpt-4.1-nano",
			MaxTokens: 2000,
			Timeout:   60 * time.Second,
			System:    "You are a helpful assistant that generates workable Python scripts.",
		},
		Cache: CacheConfig{
			Backend:  "memory",
			Capacity: 32,
			TTL:      time.Hour,
		},
		Sandbox: SandboxConfig{
			Strategy:       "process",
			Interpreter:    "python3",
			Timeout:        300 * time.Second,
			GracePeriod:    5 * time.Second,
			MaxOutputBytes: 1 << 20,
			Docker: DockerConfig{
				Image:   "python:3.11-slim",
				Memory:  "512m",
				CPUs:    "1.0",
				Pids:    "256",
				Tmpfs:   "128m",
				Network: "bridge",
			},
		},
		Pipeline: PipelineConfig{
			MaxAttempts:  3,
			MaxResubmits: 1,
		},
		Scheduler: SchedulerConfig{
			GlobalMax: 4,
			QueueSize: 64,
		},
		Events: EventsConfig{
			Subject: "quizpilot.chains",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path (a missing file yields defaults), then applies
// .env and environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// A missing .env is normal in production.
	_ = godotenv.Load()
	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// DefaultPath returns ~/.quizpilot/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".quizpilot", "config.yaml")
}

// Save writes cfg as YAML, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	// Secrets come from the environment, never from disk.
	out := *cfg
	out.SecretKey = ""
	out.LLM.Token = ""
	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
				*dst = d
			}
		}
	}

	str("SECRET_KEY", &c.SecretKey)
	str("AIPIPE_TOKEN", &c.LLM.Token)
	str("AIPIPE_URL", &c.LLM.URL)
	str("QUIZPILOT_LISTEN", &c.Listen)
	str("QUIZPILOT_DB", &c.DBPath)
	str("QUIZPILOT_MODEL", &c.LLM.Model)
	str("QUIZPILOT_CACHE", &c.Cache.Backend)
	str("QUIZPILOT_REDIS_ADDR", &c.Cache.RedisAddr)
	str("QUIZPILOT_SANDBOX", &c.Sandbox.Strategy)
	str("QUIZPILOT_INTERPRETER", &c.Sandbox.Interpreter)
	dur("QUIZPILOT_EXEC_TIMEOUT", &c.Sandbox.Timeout)
	num("QUIZPILOT_MAX_ATTEMPTS", &c.Pipeline.MaxAttempts)
	num("QUIZPILOT_WORKERS", &c.Scheduler.GlobalMax)
	str("QUIZPILOT_NATS_URL", &c.Events.NATSURL)
	str("QUIZPILOT_LOG_LEVEL", &c.Log.Level)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return fmt.Errorf("pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.MaxResubmits < 0 {
		return fmt.Errorf("pipeline.max_resubmits cannot be negative")
	}
	if c.Scheduler.GlobalMax < 1 {
		return fmt.Errorf("scheduler.global_max must be at least 1")
	}
	if c.Scheduler.QueueSize < 1 {
		return fmt.Errorf("scheduler.queue_size must be at least 1")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}

	validStrategies := map[string]bool{"process": true, "inline": true, "docker": true}
	if !validStrategies[c.Sandbox.Strategy] {
		return fmt.Errorf("invalid sandbox strategy %q, must be: process, inline, or docker", c.Sandbox.Strategy)
	}

	validBackends := map[string]bool{"memory": true, "redis": true, "none": true}
	if !validBackends[c.Cache.Backend] {
		return fmt.Errorf("invalid cache backend %q, must be: memory, redis, or none", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for the redis backend")
	}
	if c.Cache.Backend == "memory" && c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be at least 1")
	}
	return nil
}
