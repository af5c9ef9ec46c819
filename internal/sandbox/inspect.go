package sandbox

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/fentz26/quizpilot/internal/models"
)

// ResultMarker prefixes the line on which the harness reports main()'s return value.
const ResultMarker = "__QUIZPILOT_RESULT__"

var (
	// Submit responses are usually printed either as JSON or as a Python dict
	// repr, so keys and values may use either quote style.
	correctRe = regexp.MustCompile(`["']correct["']\s*:\s*(true|false|True|False)`)
	urlRe     = regexp.MustCompile(`["']url["']\s*:\s*["'](https?://[^"'\s]+)["']`)
	reasonRe  = regexp.MustCompile(`["']reason["']\s*:\s*["']((?:[^"'\\]|\\.)*)["']`)
	nextURLRe = regexp.MustCompile(`(?i)\bnext[ _-]?url\s*[:=]\s*["']?(https?://[^\s"']+)`)
)

// Findings is what Inspect learns from a program's output.
type Findings struct {
	FollowUp string
	Correct  *bool
	Reason   string
	Result   string
}

// Inspect scans captured stdout. Later lines win, so the most recent submit
// response decides the verdict and the follow-up target.
func Inspect(stdout string) Findings {
	var f Findings
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if rest, ok := strings.CutPrefix(line, ResultMarker); ok {
			f.Result = strings.TrimSpace(rest)
			inspectResult(f.Result, &f)
			continue
		}

		if m := nextURLRe.FindStringSubmatch(line); m != nil {
			f.FollowUp = m[1]
		}

		m := correctRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		correct := strings.EqualFold(m[1], "true")
		f.Correct = &correct
		f.Reason = ""
		if r := reasonRe.FindStringSubmatch(line); r != nil {
			f.Reason = r[1]
		}
		// A verdict line without a url ends the chain even if an earlier line
		// announced one.
		f.FollowUp = ""
		if u := urlRe.FindStringSubmatch(line); u != nil {
			f.FollowUp = u[1]
		}
	}
	return f
}

func inspectResult(raw string, f *Findings) {
	var v struct {
		URL     string  `json:"url"`
		Correct *bool   `json:"correct"`
		Reason  *string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return
	}
	if v.Correct != nil {
		f.Correct = v.Correct
		f.FollowUp = ""
		f.Reason = ""
	}
	if v.Reason != nil {
		f.Reason = *v.Reason
	}
	if strings.HasPrefix(v.URL, "http://") || strings.HasPrefix(v.URL, "https://") {
		f.FollowUp = v.URL
	}
}

// Annotate fills the outcome's derived fields from its stdout.
func Annotate(o *models.Outcome) {
	if o == nil {
		return
	}
	f := Inspect(o.Stdout)
	o.FollowUp = f.FollowUp
	o.Correct = f.Correct
	o.Reason = f.Reason
	o.Result = f.Result
}
