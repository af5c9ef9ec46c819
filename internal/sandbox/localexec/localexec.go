// Package localexec runs programs in a local child interpreter with an allowlist.
package localexec

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
)

// allowedInterpreters defines the strict allowlist of interpreter binaries.
var allowedInterpreters = map[string]bool{
	"python3": true,
	"python":  true,
}

// Options configure a LocalExec.
type Options struct {
	Mode           sandbox.Mode
	Interpreter    string
	Timeout        time.Duration
	GracePeriod    time.Duration
	WorkDir        string
	MaxOutputBytes int
}

// LocalExec implements sandbox.Sandbox with a child interpreter.
type LocalExec struct {
	opts Options
}

// New creates a new LocalExec sandbox.
func New(opts Options) *LocalExec {
	if opts.Mode == "" {
		opts.Mode = sandbox.ModeProcess
	}
	if opts.Interpreter == "" {
		opts.Interpreter = "python3"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	return &LocalExec{opts: opts}
}

// Name returns the strategy identifier.
func (l *LocalExec) Name() string {
	return string(l.opts.Mode)
}

// IsAllowed checks if an interpreter is in the allowlist. Paths are accepted
// when their base name is allowed.
func (l *LocalExec) IsAllowed(interpreter string) bool {
	return allowedInterpreters[filepath.Base(interpreter)]
}

// Run executes prog for task in a fresh scratch directory.
func (l *LocalExec) Run(ctx context.Context, prog models.Program, task models.Task) (*models.Outcome, error) {
	if !l.IsAllowed(l.opts.Interpreter) {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotAllowed, l.opts.Interpreter)
	}

	dir, err := os.MkdirTemp(l.opts.WorkDir, "quizpilot-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	args, err := l.prepare(dir, prog, task)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, l.opts.Interpreter, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), sandbox.Env(task)...)
	configureProcessGroup(cmd)
	cmd.WaitDelay = l.opts.GracePeriod

	stdout := sandbox.NewLimitedBuffer(l.opts.MaxOutputBytes)
	stderr := sandbox.NewLimitedBuffer(l.opts.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()

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
		out.Error = fmt.Sprintf("execution exceeded %s", l.opts.Timeout)
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

// prepare writes the files for the configured mode and returns interpreter args.
func (l *LocalExec) prepare(dir string, prog models.Program, task models.Task) ([]string, error) {
	program := filepath.Join(dir, "program.py")

	switch l.opts.Mode {
	case sandbox.ModeInline:
		harness := filepath.Join(dir, "harness.py")
		if err := os.WriteFile(harness, []byte(sandbox.InlineHarness), 0o600); err != nil {
			return nil, fmt.Errorf("writing harness: %w", err)
		}
		if err := os.WriteFile(program, []byte(prog.Source), 0o600); err != nil {
			return nil, fmt.Errorf("writing program: %w", err)
		}
		return []string{harness, task.URL, program}, nil

	case sandbox.ModeProcess:
		if err := os.WriteFile(program, []byte(sandbox.Bootstrap(prog.Source)), 0o600); err != nil {
			return nil, fmt.Errorf("writing program: %w", err)
		}
		return []string{program, task.URL}, nil
	}
	return nil, fmt.Errorf("unknown execution mode %q", l.opts.Mode)
}
