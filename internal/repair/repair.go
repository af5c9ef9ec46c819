// Package repair applies a fixed, ordered sequence of idempotent structural
// fixes to model-generated Python before it is executed.
package repair

import (
	"sort"
	"strings"

	"github.com/fentz26/quizpilot/internal/models"
)

// Options tune which constructs the rules recognise.
type Options struct {
	// TopLevelAwait allows await insertion outside async functions. Set it when
	// the program body is executed inside a synthetic async entry function.
	TopLevelAwait bool
	// FetchMethods are attribute calls treated as network fetches.
	FetchMethods []string
	// ClientNames are receiver names assumed to be async HTTP clients in
	// addition to names bound from AsyncClient()/ClientSession().
	ClientNames []string
	// RequiredImports are modules guaranteed by a plain import statement.
	RequiredImports []string
}

// DefaultOptions returns the options used by the service.
func DefaultOptions() Options {
	return Options{
		FetchMethods:    []string{"get", "post", "put", "patch", "delete", "head", "request", "send"},
		ClientNames:     []string{"client", "session", "async_client", "http_client"},
		RequiredImports: []string{"httpx", "re"},
	}
}

// Rule is one named transformation.
type Rule struct {
	Name  string
	Apply func(src string, env *Env) string
}

// Env is the per-repair context passed to every rule.
type Env struct {
	Target  string
	Options Options
}

// Repairer runs its rules in order.
type Repairer struct {
	opts  Options
	rules []Rule
}

// New creates a Repairer with the standard rule sequence.
func New(opts Options) *Repairer {
	return &Repairer{
		opts: opts,
		rules: []Rule{
			{Name: "strip-fences", Apply: stripFences},
			{Name: "collapse-await", Apply: collapseAwait},
			{Name: "await-fetch", Apply: awaitFetch},
			{Name: "async-with-fetch", Apply: asyncWithFetch},
			{Name: "placeholders", Apply: substitutePlaceholders},
			{Name: "imports", Apply: ensureImports},
			{Name: "entry-point", Apply: ensureEntryPoint},
			{Name: "tabs", Apply: normalizeTabs},
		},
	}
}

// Rules returns the rule names in application order.
func (r *Repairer) Rules() []string {
	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name
	}
	return names
}

// Repair applies every rule to fragment. The result is not re-validated here;
// callers check it with a pysrc.Validator before executing.
func (r *Repairer) Repair(fragment, target string) models.Program {
	env := &Env{Target: target, Options: r.opts}
	src := fragment
	var applied []string
	for _, rule := range r.rules {
		out := rule.Apply(src, env)
		if out != src {
			applied = append(applied, rule.Name)
		}
		src = out
	}
	return models.Program{Source: src, Applied: applied}
}

// edit is a byte-range replacement against one version of the source.
type edit struct {
	start, end int
	text       string
}

// applyEdits splices non-overlapping edits into src.
func applyEdits(src string, edits []edit) string {
	if len(edits) == 0 {
		return src
	}
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].start != edits[j].start {
			return edits[i].start > edits[j].start
		}
		return edits[i].end > edits[j].end
	})
	out := src
	for _, e := range edits {
		out = out[:e.start] + e.text + out[e.end:]
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// lastSegment returns the final component of a dotted path.
func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}
