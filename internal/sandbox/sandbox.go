// Package sandbox defines how repaired programs are executed and how their
// captured output is interpreted.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/fentz26/quizpilot/internal/models"
)

// ErrNotAllowed is returned when the configured interpreter is not on the allowlist.
var ErrNotAllowed = errors.New("interpreter not allowed")

// Sandbox executes one program for one task.
//
// Run returns an outcome for every execution that got as far as being
// attempted, including launch failures and timeouts. An error is returned only
// when the program could not be attempted at all (disallowed interpreter, no
// scratch space) or ctx was cancelled by the caller.
type Sandbox interface {
	Name() string
	Run(ctx context.Context, prog models.Program, task models.Task) (*models.Outcome, error)
}

// Env returns the task's credentials as environment entries. Programs read them
// from the environment; they are never written into program text.
func Env(task models.Task) []string {
	return []string{
		"QUIZ_EMAIL=" + task.Email,
		"QUIZ_SECRET=" + task.Secret,
		"QUIZ_URL=" + task.URL,
	}
}

// EnvNames are the names of the entries produced by Env.
var EnvNames = []string{"QUIZ_EMAIL", "QUIZ_SECRET", "QUIZ_URL"}

// Summarize returns the last non-empty line of stderr, which for a Python
// traceback is the exception line.
func Summarize(stderr string) string {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" && l != truncatedNote {
			return l
		}
	}
	return ""
}

const truncatedNote = "[output truncated]"

// LimitedBuffer keeps at most max bytes and silently drops the rest.
type LimitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

// NewLimitedBuffer returns a buffer capped at max bytes; max <= 0 means unbounded.
func NewLimitedBuffer(max int) *LimitedBuffer {
	return &LimitedBuffer{max: max}
}

// Write never fails so the child is not killed by a broken pipe.
func (b *LimitedBuffer) Write(p []byte) (int, error) {
	if b.max <= 0 {
		return b.buf.Write(p)
	}
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

// Truncated reports whether any output was dropped.
func (b *LimitedBuffer) Truncated() bool { return b.truncated }

func (b *LimitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n" + truncatedNote
	}
	return b.buf.String()
}
