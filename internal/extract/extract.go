// Package extract finds candidate Python programs inside raw model output.
package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/fentz26/quizpilot/internal/models"
	"github.com/fentz26/quizpilot/internal/pysrc"
)

// fenceRe matches fenced code regions non-greedily so adjacent fences stay
// separate. The optional language tag must be a python-ish word.
var fenceRe = regexp.MustCompile("(?is)```(?:python3|python|py)?[ \\t]*\\r?\\n?(.*?)```")

// Extract returns the candidate fragments of raw, each independently
// validated by the grammar. See ExtractWith.
func Extract(raw string) []models.Fragment {
	return ExtractWith(context.Background(), raw, pysrc.Grammar{})
}

// ExtractWith returns the candidate fragments of raw, each independently
// validated by v. Fenced regions win; the whole text is used only when there
// are no fences and it parses on its own. No parseable material yields nil.
func ExtractWith(ctx context.Context, raw string, v pysrc.Validator) []models.Fragment {
	matches := fenceRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		whole := strings.TrimSpace(raw)
		if whole == "" || v.Validate(ctx, whole) != nil {
			return nil
		}
		return []models.Fragment{{Source: whole, Valid: true}}
	}

	fragments := make([]models.Fragment, 0, len(matches))
	for _, m := range matches {
		src := strings.TrimSpace(m[1])
		frag := models.Fragment{Source: src, Fenced: true}
		if diag := v.Validate(ctx, src); diag != nil {
			frag.Diagnostic = diag
		} else {
			frag.Valid = true
		}
		fragments = append(fragments, frag)
	}
	return fragments
}

// Valid returns only the valid fragments, preserving order.
func Valid(fragments []models.Fragment) []models.Fragment {
	var out []models.Fragment
	for _, f := range fragments {
		if f.Valid {
			out = append(out, f)
		}
	}
	return out
}
