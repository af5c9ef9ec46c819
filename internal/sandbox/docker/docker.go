// Package docker runs programs inside a hardened, throwaway container.
package docker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fentz26/quizpilot/internal/models"
	"github.com/fentz26/quizpilot/internal/sandbox"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configure container limits.
type Options struct {
	Image          string
	Memory         string
	CPUs           string
	Pids           string
	Tmpfs          string
	Network        string
	Timeout        time.Duration
	GracePeriod    time.Duration
	WorkDir        string
	MaxOutputBytes int
}

// Executor implements sandbox.Sandbox with `docker run`.
type Executor struct {
	opts   Options
	binary string
	logger *zap.Logger
}

// New creates a docker executor.
func New(opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	return &Executor{opts: opts, binary: "docker", logger: logger.Named("docker")}
}

// Name returns the strategy identifier.
func (e *Executor) Name() string { return "docker" }

// Run executes prog in a fresh container with the scratch dir mounted read-only.
func (e *Executor) Run(ctx context.Context, prog models.Program, task models.Task) (*models.Outcome, error) {
	dir, err := os.MkdirTemp(e.opts.WorkDir, "quizpilot-docker-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	// The container user may differ from ours.
	_ = os.Chmod(dir, 0o755)
	if err := os.WriteFile(filepath.Join(dir, "program.py"), []byte(sandbox.Bootstrap(prog.Source)), 0o644); err != nil {
		return nil, fmt.Errorf("writing program: %w", err)
	}

	name := "quizpilot-" + uuid.NewString()[:12]
	runCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.binary, e.buildArgs(name, dir, task)...)
	// Credentials reach the container by name only, never through argv.
	cmd.Env = append(os.Environ(), sandbox.Env(task)...)
	cmd.WaitDelay = e.opts.GracePeriod

	stdout := sandbox.NewLimitedBuffer(e.opts.MaxOutputBytes)
	stderr := sandbox.NewLimitedBuffer(e.opts.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Debug("starting container", zap.String("name", name), zap.String("image", e.opts.Image))
	start := time.Now()
	runErr := cmd.Run()

	// Killing the CLI does not stop the container.
	if runCtx.Err() != nil {
		e.removeContainer(name)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out := &models.Outcome{
		Kind:     models.OutcomeSuccess,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.Kind = models.OutcomeTimeout
		out.ExitCode = -1
		out.Error = fmt.Sprintf("execution exceeded %s", e.opts.Timeout)
	case errors.As(runErr, &exitErr):
		out.Kind = models.OutcomeException
		out.ExitCode = exitErr.ExitCode()
		out.Error = sandbox.Summarize(out.Stderr)
		if out.Error == "" {
			out.Error = runErr.Error()
		}
	case runErr != nil:
		out.Kind = models.OutcomeException
		out.ExitCode = -1
		out.Error = fmt.Sprintf("launch failed: %v", runErr)
	}

	sandbox.Annotate(out)
	return out, nil
}

func (e *Executor) buildArgs(name, dir string, task models.Task) []string {
	args := []string{
		"run",
		"--rm",
		"--name", name,
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
		"--pids-limit", e.opts.Pids,
		"--memory", e.opts.Memory,
		"--cpus", e.opts.CPUs,
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,size=%s", e.opts.Tmpfs),
		"--network", e.opts.Network,
		"-v", dir + ":/app:ro",
		"-w", "/app",
	}
	for _, key := range sandbox.EnvNames {
		args = append(args, "-e", key)
	}
	return append(args, e.opts.Image, "python", "/app/program.py", task.URL)
}

func (e *Executor) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, e.binary, "rm", "-f", name).Run(); err != nil {
		e.logger.Warn("failed to remove container", zap.String("name", name), zap.Error(err))
	}
}
