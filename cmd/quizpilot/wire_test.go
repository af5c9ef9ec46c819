package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fentz26/quizpilot/internal/config"
	"github.com/fentz26/quizpilot/internal/llm"
	"github.com/fentz26/quizpilot/internal/sandbox/localexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildSandbox(t *testing.T) {
	tests := []struct {
		strategy string
		wantName string
		wantErr  bool
	}{
		{"process", "process", false},
		{"inline", "inline", false},
		{"docker", "docker", false},
		{"vm", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.strategy, func(t *testing.T) {
			cfg := config.Default()
			cfg.Sandbox.Strategy = tt.strategy

			sb, err := buildSandbox(cfg, zap.NewNop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, sb.Name())
		})
	}
}

func TestBuildLLM(t *testing.T) {
	cfg := config.Default()

	cfg.Cache.Backend = "none"
	client, closeFn, err := buildLLM(cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &llm.ChatClient{}, client)

	cfg.Cache.Backend = "memory"
	client, closeFn, err = buildLLM(cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &llm.CachedClient{}, client)

	mr := miniredis.RunT(t)
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisAddr = mr.Addr()
	client, closeFn, err = buildLLM(cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &llm.CachedClient{}, client)

	cfg.Cache.Backend = "disk"
	_, _, err = buildLLM(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestBuildLLM_CachesThroughRedis(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"choices":[{"message":{"content":"print(1)"}}]}`))
	}))
	defer srv.Close()

	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.LLM.URL = srv.URL
	cfg.Cache.Backend = "redis"
	cfg.Cache.RedisAddr = mr.Addr()

	client, closeFn, err := buildLLM(cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	for i := 0; i < 2; i++ {
		out, err := client.Complete(context.Background(), "sys", "prompt")
		require.NoError(t, err)
		assert.Equal(t, "print(1)", out)
	}
	assert.Equal(t, 1, calls)
}

func TestBuildRepairer(t *testing.T) {
	src := "r = client.get(starturl)\nprint(r)\n"

	cfg := config.Default()
	cfg.Sandbox.Strategy = "inline"
	assert.Contains(t, buildRepairer(cfg).Repair(src, "").Source, "await client.get(starturl)")

	cfg.Sandbox.Strategy = "process"
	assert.NotContains(t, buildRepairer(cfg).Repair(src, "").Source, "await client.get(starturl)")
}

func TestPipelineConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.MaxAttempts = 5
	pc := pipelineConfig(cfg, zap.NewNop())
	assert.Equal(t, 5, pc.MaxAttempts)
	assert.Equal(t, cfg.Pipeline.MaxResubmits, pc.MaxResubmits)
	assert.Equal(t, cfg.LLM.System, pc.System)
	assert.IsType(t, &localexec.Compiler{}, pc.Validator)
}

func TestAPIClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/receive_request":
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"message":"Forbidden"}`))
		case "/health":
			w.Write([]byte(`{"ok":true}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte("upstream down"))
		}
	}))
	defer srv.Close()

	old := apiAddr
	apiAddr = srv.URL
	defer func() { apiAddr = old }()

	_, err := apiPost("/receive_request", map[string]string{"secret": "x"})
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "Forbidden", apiErr.Message)

	_, err = apiGet("/chains")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream down", apiErr.Message)

	assert.True(t, isDaemonRunning(srv.URL))
	assert.False(t, isDaemonRunning("http://127.0.0.1:1"))
}
