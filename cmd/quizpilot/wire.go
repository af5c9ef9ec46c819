package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fentz26/quizpilot/internal/config"
	"github.com/fentz26/quizpilot/internal/llm"
	"github.com/fentz26/quizpilot/internal/pipeline"
	"github.com/fentz26/quizpilot/internal/pysrc"
	"github.com/fentz26/quizpilot/internal/repair"
	"github.com/fentz26/quizpilot/internal/sandbox"
	"github.com/fentz26/quizpilot/internal/sandbox/docker"
	"github.com/fentz26/quizpilot/internal/sandbox/localexec"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// buildLLM returns the chat client wrapped in the configured cache. The
// returned func releases cache connections.
func buildLLM(cfg *config.Config, logger *zap.Logger) (llm.Client, func(), error) {
	chat := llm.NewChatClient(llm.Options{
		URL:       cfg.LLM.URL,
		Token:     cfg.LLM.Token,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	})
	noop := func() {}

	switch cfg.Cache.Backend {
	case "none":
		return chat, noop, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			// The cache is best effort; CachedClient falls through on errors.
			logger.Warn("redis cache unreachable at startup", zap.String("addr", cfg.Cache.RedisAddr), zap.Error(err))
		}
		cache := llm.NewRedisCache(rdb, cfg.Cache.TTL)
		return llm.NewCachedClient(chat, cache, chat.Model(), logger), func() { rdb.Close() }, nil
	case "memory":
		cache := llm.NewMemoryCache(cfg.Cache.Capacity)
		return llm.NewCachedClient(chat, cache, chat.Model(), logger), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// buildSandbox returns the executor for the configured strategy.
func buildSandbox(cfg *config.Config, logger *zap.Logger) (sandbox.Sandbox, error) {
	sc := cfg.Sandbox
	switch sc.Strategy {
	case string(sandbox.ModeProcess), string(sandbox.ModeInline):
		return localexec.New(localexec.Options{
			Mode:           sandbox.Mode(sc.Strategy),
			Interpreter:    sc.Interpreter,
			Timeout:        sc.Timeout,
			GracePeriod:    sc.GracePeriod,
			WorkDir:        sc.WorkDir,
			MaxOutputBytes: sc.MaxOutputBytes,
		}), nil
	case "docker":
		return docker.New(docker.Options{
			Image:          sc.Docker.Image,
			Memory:         sc.Docker.Memory,
			CPUs:           sc.Docker.CPUs,
			Pids:           sc.Docker.Pids,
			Tmpfs:          sc.Docker.Tmpfs,
			Network:        sc.Docker.Network,
			Timeout:        sc.Timeout,
			GracePeriod:    sc.GracePeriod,
			WorkDir:        sc.WorkDir,
			MaxOutputBytes: sc.MaxOutputBytes,
		}, logger), nil
	default:
		return nil, fmt.Errorf("unknown sandbox strategy %q", sc.Strategy)
	}
}

// buildRepairer matches repair options to the execution strategy. The inline
// harness wraps the program body in an async function, so top-level awaits
// are legal there.
func buildRepairer(cfg *config.Config) *repair.Repairer {
	opts := repair.DefaultOptions()
	opts.TopLevelAwait = cfg.Sandbox.Strategy == string(sandbox.ModeInline)
	return repair.New(opts)
}

// buildValidator checks programs with the configured interpreter's parser. The
// docker strategy has no local interpreter to rely on, so the grammar decides
// whenever python is missing on the host.
func buildValidator(cfg *config.Config, logger *zap.Logger) pysrc.Validator {
	return localexec.NewCompiler(cfg.Sandbox.Interpreter, 0, logger)
}

func pipelineConfig(cfg *config.Config, logger *zap.Logger) pipeline.Config {
	return pipeline.Config{
		MaxAttempts:  cfg.Pipeline.MaxAttempts,
		MaxResubmits: cfg.Pipeline.MaxResubmits,
		System:       cfg.LLM.System,
		Validator:    buildValidator(cfg, logger),
	}
}
