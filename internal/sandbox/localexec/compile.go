package localexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/quizpilot/internal/models"
	"github.com/fentz26/quizpilot/internal/pysrc"
	"github.com/fentz26/quizpilot/internal/sandbox"
	"go.uber.org/zap"
)

// compileScript compiles stdin to bytecode without running it, which catches
// what a bare parse lets through (misplaced __future__ imports, break outside
// a loop). Top-level await is allowed because inline programs run inside a
// coroutine.
const compileScript = `import ast, json, sys
flags = getattr(ast, "PyCF_ALLOW_TOP_LEVEL_AWAIT", 0)
try:
    compile(sys.stdin.read(), "<program>", "exec", flags, dont_inherit=True)
except (SyntaxError, ValueError) as e:
    line = getattr(e, "lineno", None) or 1
    print(json.dumps({"line": line, "message": getattr(e, "msg", None) or str(e)}))
    sys.exit(3)
`

// exitSyntaxError is the status compileScript uses to report a rejected program.
const exitSyntaxError = 3

// Compiler validates programs with the grammar first and then with the
// interpreter's own compiler, which is the authority on what will run.
type Compiler struct {
	interpreter string
	timeout     time.Duration
	logger      *zap.Logger
}

// NewCompiler creates a validator for interpreter. A zero timeout defaults to 10s.
func NewCompiler(interpreter string, timeout time.Duration, logger *zap.Logger) *Compiler {
	if interpreter == "" {
		interpreter = "python3"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{interpreter: interpreter, timeout: timeout, logger: logger.Named("compiler")}
}

// Validate implements pysrc.Validator. When the interpreter cannot be run the
// grammar's verdict stands.
func (c *Compiler) Validate(ctx context.Context, src string) *models.Diagnostic {
	if diag := pysrc.Check(src); diag != nil {
		return diag
	}
	diag, err := c.compile(ctx, src)
	if err != nil {
		c.logger.Warn("interpreter check unavailable, using grammar only", zap.Error(err))
		return nil
	}
	return diag
}

func (c *Compiler) compile(ctx context.Context, src string) (*models.Diagnostic, error) {
	if !allowedInterpreters[filepath.Base(c.interpreter)] {
		return nil, fmt.Errorf("%w: %s", sandbox.ErrNotAllowed, c.interpreter)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.interpreter, "-c", compileScript)
	cmd.Stdin = strings.NewReader(src)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return nil, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() != exitSyntaxError {
		return nil, fmt.Errorf("running %s: %w: %s", c.interpreter, err, strings.TrimSpace(stderr.String()))
	}

	var report struct {
		Line    int    `json:"line"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &report); err != nil {
		return nil, fmt.Errorf("decoding syntax report: %w", err)
	}
	if report.Line < 1 {
		report.Line = 1
	}
	return &models.Diagnostic{Message: report.Message, Line: report.Line}, nil
}
