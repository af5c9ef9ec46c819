package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 300*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 32, cfg.Cache.Capacity)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "process", cfg.Sandbox.Strategy)
}

func TestLoad_YAMLAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
listen: 0.0.0.0:9000
sandbox:
  strategy: inline
  timeout: 30s
pipeline:
  max_attempts: 5
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("SECRET_KEY", "peacock")
	t.Setenv("QUIZPILOT_MAX_ATTEMPTS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Listen)
	assert.Equal(t, "inline", cfg.Sandbox.Strategy)
	assert.Equal(t, 30*time.Second, cfg.Sandbox.Timeout)
	assert.Equal(t, 2, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, "peacock", cfg.SecretKey)
	// untouched sections keep their defaults
	assert.Equal(t, "python:3.11-slim", cfg.Sandbox.Docker.Image)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [oops"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }, false},
		{"negative resubmits", func(c *Config) { c.Pipeline.MaxResubmits = -1 }, false},
		{"bad strategy", func(c *Config) { c.Sandbox.Strategy = "exec" }, false},
		{"redis without addr", func(c *Config) { c.Cache.Backend = "redis" }, false},
		{"redis with addr", func(c *Config) {
			c.Cache.Backend = "redis"
			c.Cache.RedisAddr = "localhost:6379"
		}, true},
		{"no cache", func(c *Config) { c.Cache.Backend = "none"; c.Cache.Capacity = 0 }, true},
		{"zero timeout", func(c *Config) { c.Sandbox.Timeout = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSave_StripsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.SecretKey = "peacock"
	cfg.LLM.Token = "tok"

	require.NoError(t, Save(path, cfg))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "peacock")
	assert.NotContains(t, string(data), "tok\n")
	assert.Equal(t, "peacock", cfg.SecretKey, "caller's config must not be mutated")
}
