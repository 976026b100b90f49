// Package prompt turns templated prompt text into the ordered list of
// concrete prompts, one per task.
//
// Expansion runs in two stages per line. The set operator expands every
// {a,b,c} group into the cartesian product of its alternatives, the first
// group varying slowest. The permute operator then treats "base|x|y" as a
// mandatory base plus optional additions and emits the base followed by
// every ordering of every non-empty subset of the additions.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxExpansions bounds the prompts produced from a single line.
const MaxExpansions = 10000

// ExpansionError reports a template line that could not be expanded.
type ExpansionError struct {
	Line     int // 1-based line number within the submitted text, 0 for a bare template
	Template string
	Offset   int // byte offset of the offending character, -1 when not positional
	Reason   string
}

func (e *ExpansionError) Error() string {
	var b strings.Builder
	if e.Line > 0 {
		fmt.Fprintf(&b, "line %d: ", e.Line)
	}
	b.WriteString(e.Reason)
	if e.Offset >= 0 {
		fmt.Fprintf(&b, " at offset %d", e.Offset)
	}
	fmt.Fprintf(&b, " in %q", e.Template)
	return b.String()
}

// Expand expands one template line. An empty line yields a single empty
// prompt so downstream batching still has a unit of work.
func Expand(template string) ([]string, error) {
	sets, err := ExpandSets(template)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range sets {
		if len(out)+permutationCount(line) > MaxExpansions {
			return nil, &ExpansionError{Template: template, Offset: -1, Reason: fmt.Sprintf("expands to more than %d prompts", MaxExpansions)}
		}
		out = append(out, ExpandPermutations(line)...)
	}
	return out, nil
}

// ExpandText splits text into lines and expands each non-blank one in
// encounter order. A malformed line is reported and skipped; the remaining
// lines still expand. When tags are given, every prompt is suffixed with the
// comma-joined tags after expansion.
func ExpandText(text string, tags []string) ([]string, []*ExpansionError) {
	var (
		prompts []string
		errs    []*ExpansionError
	)
	if strings.TrimSpace(text) == "" {
		prompts = []string{""}
	} else {
		for i, raw := range strings.Split(text, "\n") {
			line := strings.TrimSpace(norm.NFC.String(raw))
			if line == "" {
				continue
			}
			expanded, err := Expand(line)
			if err != nil {
				ee := asExpansionError(err, line)
				ee.Line = i + 1
				errs = append(errs, ee)
				continue
			}
			prompts = append(prompts, expanded...)
		}
	}
	return applyTags(prompts, tags), errs
}

func applyTags(prompts []string, tags []string) []string {
	suffix := joinTags(tags)
	if suffix == "" {
		return prompts
	}
	out := make([]string, len(prompts))
	for i, p := range prompts {
		if p == "" {
			out[i] = suffix
			continue
		}
		out[i] = p + ", " + suffix
	}
	return out
}

func joinTags(tags []string) string {
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			cleaned = append(cleaned, tag)
		}
	}
	return strings.Join(cleaned, ", ")
}

func asExpansionError(err error, line string) *ExpansionError {
	var ee *ExpansionError
	if errors.As(err, &ee) {
		return ee
	}
	return &ExpansionError{Template: line, Offset: -1, Reason: err.Error()}
}
