// Package pysrc wraps the tree-sitter Python grammar for syntax checks and
// structural lookups over generated programs.
package pysrc

import (
	"context"
	"fmt"
	"strings"

	"github.com/fentz26/quizpilot/internal/models"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// Tree is a parsed Python module together with its source.
type Tree struct {
	Src  []byte
	tree *sitter.Tree
}

// Parse parses src as a complete Python module. Parsers are not safe for
// concurrent use, so one is created per call.
func Parse(src []byte) (*Tree, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse python: %w", err)
	}
	return &Tree{Src: src, tree: tree}, nil
}

// Close releases the underlying tree.
func (t *Tree) Close() {
	if t != nil && t.tree != nil {
		t.tree.Close()
	}
}

// Root returns the module node.
func (t *Tree) Root() *sitter.Node {
	return t.tree.RootNode()
}

// Text returns the source text covered by n.
func (t *Tree) Text(n *sitter.Node) string {
	return string(t.Src[n.StartByte():n.EndByte()])
}

// Check returns nil when src is a well-formed Python module, otherwise a
// diagnostic pointing at the first syntax error.
func Check(src string) *models.Diagnostic {
	if strings.TrimSpace(src) == "" {
		return &models.Diagnostic{Message: "empty source", Line: 1}
	}
	tree, err := Parse([]byte(src))
	if err != nil {
		return &models.Diagnostic{Message: err.Error(), Line: 1}
	}
	defer tree.Close()

	root := tree.Root()
	if root.HasError() {
		return tree.firstError(root)
	}
	return tree.indentError(root)
}

// indentError catches what the grammar lets through: its scanner turns a
// missing indent into an empty block and reads an unexpected indent as a
// sibling statement.
func (t *Tree) indentError(root *sitter.Node) *models.Diagnostic {
	if d := t.checkColumns(root, 0, "unexpected indent"); d != nil {
		return d
	}
	var diag *models.Diagnostic
	Walk(root, func(n *sitter.Node) bool {
		if diag != nil {
			return false
		}
		if n.Type() != "block" {
			return true
		}
		header := n.Parent()
		stmts := statements(n)
		if len(stmts) == 0 {
			line := int(n.StartPoint().Row) + 1
			if header != nil {
				line = int(header.StartPoint().Row) + 1
			}
			diag = &models.Diagnostic{Message: "expected an indented block", Line: line}
			return false
		}
		first := stmts[0]
		if header != nil && first.StartPoint().Row != header.StartPoint().Row &&
			first.StartPoint().Column <= header.StartPoint().Column {
			diag = &models.Diagnostic{Message: "expected an indented block", Line: int(first.StartPoint().Row) + 1}
			return false
		}
		diag = t.checkColumns(n, first.StartPoint().Column, "unexpected indent")
		return diag == nil
	})
	return diag
}

// checkColumns requires every statement of body that starts a line to start
// at col.
func (t *Tree) checkColumns(body *sitter.Node, col uint32, msg string) *models.Diagnostic {
	for _, s := range statements(body) {
		if !t.startsLine(s) {
			continue
		}
		if s.StartPoint().Column != col {
			return &models.Diagnostic{Message: msg, Line: int(s.StartPoint().Row) + 1}
		}
	}
	return nil
}

// startsLine reports whether only blanks precede n on its line.
func (t *Tree) startsLine(n *sitter.Node) bool {
	start := int(n.StartByte())
	return strings.TrimLeft(string(t.Src[LineStart(t.Src, start):start]), " \t\f") == ""
}

// statements returns the named children of a module or block, skipping comments.
func statements(body *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	for i := 0; i < int(body.NamedChildCount()); i++ {
		c := body.NamedChild(i)
		if c.Type() == "comment" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Validator decides whether source is a well-formed Python module.
type Validator interface {
	Validate(ctx context.Context, src string) *models.Diagnostic
}

// Grammar validates with the tree-sitter grammar alone.
type Grammar struct{}

// Validate implements Validator with Check.
func (Grammar) Validate(_ context.Context, src string) *models.Diagnostic {
	return Check(src)
}

func (t *Tree) firstError(root *sitter.Node) *models.Diagnostic {
	var diag *models.Diagnostic
	Walk(root, func(n *sitter.Node) bool {
		if diag != nil {
			return false
		}
		switch {
		case n.IsMissing():
			diag = &models.Diagnostic{
				Message: fmt.Sprintf("missing %q", n.Type()),
				Line:    int(n.StartPoint().Row) + 1,
			}
			return false
		case n.Type() == "ERROR":
			diag = &models.Diagnostic{
				Message: fmt.Sprintf("invalid syntax near %q", firstLine(t.Text(n), 40)),
				Line:    int(n.StartPoint().Row) + 1,
			}
			return false
		}
		return n.HasError()
	})
	if diag == nil {
		diag = &models.Diagnostic{Message: "invalid syntax", Line: int(root.StartPoint().Row) + 1}
	}
	return diag
}

// Walk visits n and its descendants depth-first in source order. Returning
// false from fn skips the node's children.
func Walk(n *sitter.Node, fn func(*sitter.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		Walk(n.Child(i), fn)
	}
}

// Find returns every node of the given type in source order.
func Find(n *sitter.Node, nodeType string) []*sitter.Node {
	var out []*sitter.Node
	Walk(n, func(c *sitter.Node) bool {
		if c.Type() == nodeType {
			out = append(out, c)
		}
		return true
	})
	return out
}

// IsAsync reports whether a function_definition or with_statement carries the
// async keyword.
func IsAsync(n *sitter.Node) bool {
	for i := 0; i < int(n.ChildCount()); i++ {
		c := n.Child(i)
		if c.Type() == "async" {
			return true
		}
		if c.IsNamed() {
			return false
		}
	}
	return false
}

// EnclosingFunction returns the nearest function_definition or lambda around n,
// or nil at module level.
func EnclosingFunction(n *sitter.Node) *sitter.Node {
	for p := n.Parent(); p != nil; p = p.Parent() {
		switch p.Type() {
		case "function_definition", "lambda":
			return p
		}
	}
	return nil
}

// LineStart returns the byte offset of the start of the line containing off.
func LineStart(src []byte, off int) int {
	for off > 0 && src[off-1] != '\n' {
		off--
	}
	return off
}

func firstLine(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > n {
		s = s[:n]
	}
	return s
}
