package sandbox

import (
	"strings"

	"github.com/fentz26/quizpilot/internal/pysrc"
	sitter "github.com/smacker/go-tree-sitter"
)

// Mode selects how a program is wrapped before execution.
type Mode string

const (
	// ModeProcess runs the program as a script with a bootstrap header and an
	// entry trailer.
	ModeProcess Mode = "process"
	// ModeInline runs the program body inside a synthetic async function with
	// an injected namespace.
	ModeInline Mode = "inline"
)

const bootstrapHeader = `import sys as _quizpilot_sys
starturl = _quizpilot_sys.argv[1] if len(_quizpilot_sys.argv) > 1 else ""
`

const bootstrapTrailer = `

if __name__ == "__main__":
    import asyncio as _quizpilot_asyncio
    import json as _quizpilot_json
    _quizpilot_result = _quizpilot_asyncio.run(main())
    if _quizpilot_result is not None:
        print("` + ResultMarker + ` " + _quizpilot_json.dumps(_quizpilot_result, default=str), flush=True)
`

// Bootstrap wraps a repaired program for ModeProcess. The header goes after
// any leading docstring and __future__ imports, which Python requires first.
// Programs with their own __main__ guard keep control of how main runs.
func Bootstrap(src string) string {
	cut := preambleEnd(src)
	var b strings.Builder
	b.WriteString(src[:cut])
	if cut > 0 && !strings.HasSuffix(src[:cut], "\n") {
		b.WriteString("\n")
	}
	b.WriteString(bootstrapHeader)
	b.WriteString(src[cut:])
	if !strings.Contains(src, "__main__") {
		b.WriteString(bootstrapTrailer)
	} else {
		b.WriteString("\n")
	}
	return b.String()
}

// preambleEnd returns the byte offset just past the line ending the module
// docstring and __future__ imports, or 0 when src starts with neither.
func preambleEnd(src string) int {
	tree, err := pysrc.Parse([]byte(src))
	if err != nil {
		return 0
	}
	defer tree.Close()

	root := tree.Root()
	cut, first := 0, true
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		switch {
		case n.Type() == "comment":
			continue
		case n.Type() == "future_import_statement":
		case first && isDocstring(n):
		default:
			return cut
		}
		first = false
		cut = lineEnd(src, int(n.EndByte()))
	}
	return cut
}

func isDocstring(n *sitter.Node) bool {
	return n.Type() == "expression_statement" && n.NamedChildCount() == 1 &&
		n.NamedChild(0).Type() == "string"
}

func lineEnd(src string, off int) int {
	if i := strings.IndexByte(src[off:], '\n'); i >= 0 {
		return off + i + 1
	}
	return len(src)
}

// InlineHarness is the driver script for ModeInline. It is invoked as
// `python3 harness.py <url> <program.py>`.
const InlineHarness = `import ast
import asyncio
import json
import sys

MARKER = "` + ResultMarker + `"


def _namespace(url):
    ns = {"__name__": "__quizpilot__", "starturl": url, "asyncio": asyncio, "json": json}
    for mod in ("httpx", "re"):
        try:
            ns[mod] = __import__(mod)
        except ImportError:
            pass
    try:
        from bs4 import BeautifulSoup
        ns["BeautifulSoup"] = BeautifulSoup
    except ImportError:
        pass
    return ns


def _split_future(source, path):
    # __future__ imports must open the compiled module, so they are lifted out
    # of the function body the program is wrapped in.
    lines = source.splitlines()
    flags = ast.PyCF_ONLY_AST | getattr(ast, "PyCF_ALLOW_TOP_LEVEL_AWAIT", 0)
    try:
        tree = compile(source, path, "exec", flags, dont_inherit=True)
    except SyntaxError:
        return [], lines
    drop = set()
    for node in tree.body:
        if isinstance(node, ast.ImportFrom) and node.module == "__future__":
            drop.update(range(node.lineno - 1, node.end_lineno))
    future = [lines[i] for i in sorted(drop)]
    return future, [line for i, line in enumerate(lines) if i not in drop]


async def _run(url, path):
    with open(path, encoding="utf-8") as f:
        future, lines = _split_future(f.read(), path)
    if not any(line.strip() for line in lines):
        lines = ["pass"]
    body = "\n".join("    " + line for line in lines)
    src = "".join(line + "\n" for line in future)
    src += "async def __quizpilot_entry__():\n" + body + "\n    return locals()\n"
    ns = _namespace(url)
    exec(compile(src, path, "exec"), ns)
    scope = await ns["__quizpilot_entry__"]()
    main = scope.get("main") or ns.get("main")
    result = None
    if callable(main):
        result = main()
        if asyncio.iscoroutine(result):
            result = await result
    if result is not None:
        print(MARKER + " " + json.dumps(result, default=str), flush=True)


if __name__ == "__main__":
    asyncio.run(_run(sys.argv[1], sys.argv[2]))
`
