package repair

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fentz26/quizpilot/internal/pysrc"
	sitter "github.com/smacker/go-tree-sitter"
)

var (
	fenceLineRe   = regexp.MustCompile("(?m)^[ \\t]*```[\\w+-]*[ \\t]*\\r?(?:\\n|$)")
	doubleAwaitRe = regexp.MustCompile(`\bawait(?:[ \t]+await\b)+`)
	withHeaderRe  = regexp.MustCompile(`(?s)^async\s+with\s+(?:await\s+)?([\w.]+)\.(\w+)\((.*)\)\s+as\s+(\w+)\s*:\s*$`)
	clientCtorRe  = regexp.MustCompile(`(?:AsyncClient|ClientSession)$`)
)

// PlaceholderTokens are replaced with the task's target URL.
var PlaceholderTokens = []string{
	"<the quiz URL>",
	"<the quiz URL you fetched>",
	"<quiz url>",
	"<quiz_url>",
	"YOUR_START_URL_HERE",
	"https://example.com/quiz",
	"your_quiz_page_url_here",
}

// SubmitPlaceholderTokens are blanked: the submit URL must be derived by the
// program, never substituted.
var SubmitPlaceholderTokens = []string{
	"<submit url>",
	"<the quiz submission URL>",
}

// stripFences drops stray fence marker lines.
func stripFences(src string, _ *Env) string {
	return fenceLineRe.ReplaceAllString(src, "")
}

// collapseAwait turns "await await x" into "await x". The doubled form does not
// parse, so this one works on tokens rather than the tree.
func collapseAwait(src string, _ *Env) string {
	return doubleAwaitRe.ReplaceAllString(src, "await")
}

// awaitFetch inserts a missing await in front of fetch calls on async clients.
func awaitFetch(src string, env *Env) string {
	tree, err := pysrc.Parse([]byte(src))
	if err != nil {
		return src
	}
	defer tree.Close()

	clients := clientNames(tree, env.Options.ClientNames)
	var edits []edit
	for _, call := range pysrc.Find(tree.Root(), "call") {
		if !isFetchCall(tree, call, clients, env.Options.FetchMethods) {
			continue
		}
		if awaited(call) || inWithHeader(call) || !awaitAllowed(tree, call, env.Options.TopLevelAwait) {
			continue
		}

		start, end := int(call.StartByte()), int(call.EndByte())
		if needsParens(call) {
			edits = append(edits, edit{start: start, end: start, text: "(await "}, edit{start: end, end: end, text: ")"})
		} else {
			edits = append(edits, edit{start: start, end: start, text: "await "})
		}
	}
	return applyEdits(src, edits)
}

// asyncWithFetch rewrites `async with client.get(u) as r:` into a plain fetch
// followed by a binding, dedenting the former body. One statement is rewritten
// per parse so byte offsets stay valid for nested cases.
func asyncWithFetch(src string, env *Env) string {
	for i := 0; i < 64; i++ {
		out, changed := rewriteOneAsyncWith(src, env)
		if !changed {
			return out
		}
		src = out
	}
	return src
}

func rewriteOneAsyncWith(src string, env *Env) (string, bool) {
	tree, err := pysrc.Parse([]byte(src))
	if err != nil {
		return src, false
	}
	defer tree.Close()

	stmts := pysrc.Find(tree.Root(), "with_statement")
	// Last first: rewriting an inner statement never moves an outer one's start.
	for i := len(stmts) - 1; i >= 0; i-- {
		stmt := stmts[i]
		if !pysrc.IsAsync(stmt) || singleWithItem(stmt) == nil {
			continue
		}
		body := stmt.ChildByFieldName("body")
		if body == nil {
			continue
		}
		header := src[stmt.StartByte():body.StartByte()]
		m := withHeaderRe.FindStringSubmatch(strings.TrimSpace(header))
		if m == nil || !contains(env.Options.FetchMethods, m[2]) {
			continue
		}
		recv, method, args, alias := m[1], m[2], m[3], m[4]

		lineStart := pysrc.LineStart(tree.Src, int(stmt.StartByte()))
		indent := src[lineStart:stmt.StartByte()]
		if strings.TrimSpace(indent) != "" {
			// Statement shares its line with other code; leave it.
			continue
		}
		tmp := strings.ReplaceAll(recv, ".", "_") + "_response"

		var b strings.Builder
		fmt.Fprintf(&b, "%s = await %s.%s(%s)\n", tmp, recv, method, args)
		fmt.Fprintf(&b, "%s%s = %s", indent, alias, tmp)

		bodyText := src[body.StartByte():stmt.EndByte()]
		if body.StartPoint().Row == stmt.StartPoint().Row {
			b.WriteString("\n" + indent + strings.TrimSpace(bodyText))
		} else {
			bodyLineStart := pysrc.LineStart(tree.Src, int(body.StartByte()))
			delta := int(body.StartByte()) - bodyLineStart - len(indent)
			b.WriteString("\n" + dedent(src[bodyLineStart:stmt.EndByte()], delta))
		}

		out := src[:stmt.StartByte()] + b.String() + src[stmt.EndByte():]
		return out, true
	}
	return src, false
}

// substitutePlaceholders swaps known placeholder tokens for the target URL and
// blanks submit-URL placeholders. Blanking a token can join its neighbours
// into a new one, so passes repeat until nothing changes.
func substitutePlaceholders(src string, env *Env) string {
	for i := 0; i < maxSubstitutionPasses; i++ {
		next := substituteOnce(src, env.Target)
		if next == src {
			break
		}
		src = next
	}
	return src
}

const maxSubstitutionPasses = 16

// substituteOnce scans s left to right and rewrites the longest token at each
// position. The target is itself a token that maps to itself, so a target that
// contains a placeholder is left alone while a placeholder that extends the
// target is still replaced.
func substituteOnce(s, target string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		n, repl := longestToken(s[i:], target)
		if n == 0 {
			b.WriteByte(s[i])
			i++
			continue
		}
		b.WriteString(repl)
		i += n
	}
	return b.String()
}

func longestToken(s, target string) (int, string) {
	n, repl := 0, ""
	if target != "" && strings.HasPrefix(s, target) {
		n, repl = len(target), target
	}
	for _, ph := range PlaceholderTokens {
		if len(ph) > n && strings.HasPrefix(s, ph) {
			n, repl = len(ph), target
		}
	}
	for _, ph := range SubmitPlaceholderTokens {
		if len(ph) > n && strings.HasPrefix(s, ph) {
			n, repl = len(ph), ""
		}
	}
	return n, repl
}

// ensureImports prepends a plain import for every required module that is not
// already imported that way.
func ensureImports(src string, env *Env) string {
	tree, err := pysrc.Parse([]byte(src))
	if err != nil {
		return src
	}
	defer tree.Close()

	imported := make(map[string]bool)
	for _, stmt := range pysrc.Find(tree.Root(), "import_statement") {
		for i := 0; i < int(stmt.NamedChildCount()); i++ {
			if name := stmt.NamedChild(i); name.Type() == "dotted_name" {
				imported[tree.Text(name)] = true
			}
		}
	}

	var missing []string
	for _, mod := range env.Options.RequiredImports {
		if !imported[mod] {
			missing = append(missing, "import "+mod+"\n")
		}
	}
	if len(missing) == 0 {
		return src
	}

	// __future__ imports must stay first.
	at := 0
	for _, fut := range pysrc.Find(tree.Root(), "future_import_statement") {
		if end := lineEnd(src, int(fut.EndByte())); end > at {
			at = end
		}
	}
	return src[:at] + strings.Join(missing, "") + src[at:]
}

// ensureEntryPoint guarantees a module-level async main.
func ensureEntryPoint(src string, _ *Env) string {
	tree, err := pysrc.Parse([]byte(src))
	if err != nil {
		return src
	}
	defer tree.Close()

	if fn := topLevelMain(tree); fn != nil {
		if pysrc.IsAsync(fn) {
			return src
		}
		at := int(fn.StartByte())
		return src[:at] + "async " + src[at:]
	}
	return src + "\n\nasync def main():\n    pass\n"
}

// normalizeTabs replaces tabs with four spaces and trims the result.
func normalizeTabs(src string, _ *Env) string {
	return strings.TrimSpace(strings.ReplaceAll(src, "\t", "    "))
}

// --- helpers ---

// clientNames collects receiver names bound to async HTTP clients.
func clientNames(tree *pysrc.Tree, defaults []string) map[string]bool {
	names := make(map[string]bool, len(defaults))
	for _, n := range defaults {
		names[n] = true
	}

	isCtor := func(n *sitter.Node) bool {
		if n != nil && n.Type() == "await" && n.NamedChildCount() > 0 {
			n = n.NamedChild(0)
		}
		if n == nil || n.Type() != "call" {
			return false
		}
		fn := n.ChildByFieldName("function")
		return fn != nil && clientCtorRe.MatchString(tree.Text(fn))
	}

	for _, p := range pysrc.Find(tree.Root(), "as_pattern") {
		if p.NamedChildCount() == 0 || !isCtor(p.NamedChild(0)) {
			continue
		}
		if alias := p.ChildByFieldName("alias"); alias != nil {
			names[lastSegment(strings.Trim(tree.Text(alias), "() "))] = true
		}
	}
	// Older grammars attach the alias to the with_item itself.
	for _, item := range pysrc.Find(tree.Root(), "with_item") {
		value, alias := item.ChildByFieldName("value"), item.ChildByFieldName("alias")
		if alias != nil && isCtor(value) {
			names[lastSegment(tree.Text(alias))] = true
		}
	}
	for _, a := range pysrc.Find(tree.Root(), "assignment") {
		left, right := a.ChildByFieldName("left"), a.ChildByFieldName("right")
		if left != nil && isCtor(right) {
			names[lastSegment(tree.Text(left))] = true
		}
	}
	return names
}

func isFetchCall(tree *pysrc.Tree, call *sitter.Node, clients map[string]bool, methods []string) bool {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "attribute" {
		return false
	}
	attr, obj := fn.ChildByFieldName("attribute"), fn.ChildByFieldName("object")
	if attr == nil || obj == nil || !contains(methods, tree.Text(attr)) {
		return false
	}
	switch obj.Type() {
	case "identifier", "attribute":
		return clients[lastSegment(tree.Text(obj))]
	}
	return false
}

// awaited reports whether call is already the operand of an await, possibly
// through parentheses.
func awaited(call *sitter.Node) bool {
	for p := call.Parent(); p != nil; p = p.Parent() {
		switch p.Type() {
		case "await":
			return true
		case "parenthesized_expression":
			continue
		}
		return false
	}
	return false
}

// inWithHeader reports whether call is the context expression of a with item;
// asyncWithFetch owns those.
func inWithHeader(call *sitter.Node) bool {
	for p := call.Parent(); p != nil; p = p.Parent() {
		switch p.Type() {
		case "with_item":
			return true
		case "as_pattern", "await", "parenthesized_expression":
			continue
		}
		return false
	}
	return false
}

// awaitAllowed reports whether an await is legal where call sits. A module-level
// def main counts as async because ensureEntryPoint promotes it.
func awaitAllowed(tree *pysrc.Tree, call *sitter.Node, topLevel bool) bool {
	fn := pysrc.EnclosingFunction(call)
	if fn == nil {
		return topLevel
	}
	if fn.Type() != "function_definition" {
		return false
	}
	if pysrc.IsAsync(fn) {
		return true
	}
	return isTopLevelMain(tree, fn)
}

// needsParens reports whether call is the head of a longer primary expression,
// e.g. client.get(u).json(), where a bare await would bind too loosely.
func needsParens(call *sitter.Node) bool {
	p := call.Parent()
	if p == nil {
		return false
	}
	switch p.Type() {
	case "attribute", "subscript":
		return p.StartByte() == call.StartByte()
	case "call":
		fn := p.ChildByFieldName("function")
		return fn != nil && fn.StartByte() == call.StartByte() && fn.EndByte() == call.EndByte()
	}
	return false
}

func singleWithItem(stmt *sitter.Node) *sitter.Node {
	var clause *sitter.Node
	for i := 0; i < int(stmt.NamedChildCount()); i++ {
		if c := stmt.NamedChild(i); c.Type() == "with_clause" {
			clause = c
			break
		}
	}
	if clause == nil {
		return nil
	}
	items := pysrc.Find(clause, "with_item")
	if len(items) != 1 {
		return nil
	}
	return items[0]
}

func topLevelMain(tree *pysrc.Tree) *sitter.Node {
	root := tree.Root()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		if n.Type() == "decorated_definition" {
			n = n.ChildByFieldName("definition")
		}
		if n != nil && n.Type() == "function_definition" && functionName(tree, n) == "main" {
			return n
		}
	}
	return nil
}

func isTopLevelMain(tree *pysrc.Tree, fn *sitter.Node) bool {
	main := topLevelMain(tree)
	return main != nil && main.StartByte() == fn.StartByte() && main.EndByte() == fn.EndByte()
}

func functionName(tree *pysrc.Tree, fn *sitter.Node) string {
	if name := fn.ChildByFieldName("name"); name != nil {
		return tree.Text(name)
	}
	return ""
}

// dedent removes up to n leading blanks from every line of s.
func dedent(s string, n int) string {
	if n <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		cut := 0
		for cut < n && cut < len(line) && (line[cut] == ' ' || line[cut] == '\t') {
			cut++
		}
		lines[i] = line[cut:]
	}
	return strings.Join(lines, "\n")
}

func lineEnd(s string, off int) int {
	if i := strings.IndexByte(s[off:], '\n'); i >= 0 {
		return off + i + 1
	}
	return len(s)
}
