package localexec

import (
	"context"
	"testing"

	"github.com/fentz26/quizpilot/internal/pysrc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ pysrc.Validator = (*Compiler)(nil)

func TestCompiler_Validate(t *testing.T) {
	requirePython(t)
	c := NewCompiler("python3", 0, nil)

	tests := []struct {
		name  string
		src   string
		valid bool
	}{
		{"async main", "async def main():\n    print(await f())", true},
		{"top-level await", "r = await client.get(starturl)\nprint(r)", true},
		{"future import", "from __future__ import annotations\nx: int = 1", true},
		{"missing indent", "def f():\nreturn 1", false},
		{"unexpected indent", "async def main():\n    x = 1\n      y = 2\n", false},
		{"misplaced future import", "x = 1\nfrom __future__ import annotations", false},
		{"unclosed paren", "print(1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diag := c.Validate(context.Background(), tt.src)
			if tt.valid {
				assert.Nil(t, diag)
				return
			}
			require.NotNil(t, diag)
			assert.GreaterOrEqual(t, diag.Line, 1)
			assert.NotEmpty(t, diag.Message)
		})
	}
}

func TestCompiler_ReportsInterpreterMessage(t *testing.T) {
	requirePython(t)
	c := NewCompiler("python3", 0, nil)

	// The grammar accepts this; only the interpreter knows the rule.
	diag := c.Validate(context.Background(), "x = 1\nfrom __future__ import annotations")
	require.NotNil(t, diag)
	assert.Contains(t, diag.Message, "__future__")
	assert.Equal(t, 2, diag.Line)
}

func TestCompiler_FallsBackToGrammar(t *testing.T) {
	for _, interpreter := range []string{"bash", "/nonexistent/python3"} {
		c := NewCompiler(interpreter, 0, nil)
		assert.Nil(t, c.Validate(context.Background(), "x = 1"), interpreter)
		assert.NotNil(t, c.Validate(context.Background(), "def f():\nreturn 1"), interpreter)
	}
}
