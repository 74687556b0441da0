package safety

import (
	"fmt"
	"strings"
)

// Mode carries the per-call flags that influence the safety decision.
type Mode struct {
	SafeMode bool
}

// Violation records one matching rule.
type Violation struct {
	Pattern     string   `json:"pattern"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
	Match       string   `json:"match,omitempty"`
}

// String renders the violation for user-facing rejection messages.
func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Severity, v.Description)
}

// Analysis is the outcome of classifying one snippet.
type Analysis struct {
	Safe       bool        `json:"safe"`
	ReadOnly   bool        `json:"read_only"`
	Violations []Violation `json:"violations"`
	Summary    string      `json:"summary"`
}

// Count returns the number of violations with the given severity.
func (a Analysis) Count(sev Severity) int {
	n := 0
	for _, v := range a.Violations {
		if v.Severity == sev {
			n++
		}
	}
	return n
}

// HasCritical reports whether any critical rule matched.
func (a Analysis) HasCritical() bool {
	return a.Count(SeverityCritical) > 0
}

// Reasons lists the violations as "severity: description" strings.
func (a Analysis) Reasons() []string {
	out := make([]string, len(a.Violations))
	for i, v := range a.Violations {
		out[i] = v.String()
	}
	return out
}

// Analyze classifies snippet against rules followed by custom. All matches
// are collected. Critical violations make a snippet unsafe in every mode.
func Analyze(snippet string, rules *RuleSet, custom Rules, mode Mode) Analysis {
	if strings.TrimSpace(snippet) == "" {
		return Analysis{Safe: true, Violations: []Violation{}, Summary: Summarize(nil)}
	}

	violations := []Violation{}
	var readOnly bool
	if rules != nil {
		violations = collect(violations, rules.rules, snippet)
		readOnly = rules.matchesReadOnly(snippet) && !rules.matchesMutation(snippet)
	}
	violations = collect(violations, custom, snippet)

	var critical, high bool
	for _, v := range violations {
		switch v.Severity {
		case SeverityCritical:
			critical = true
		case SeverityHigh:
			high = true
		}
	}

	safe := !critical
	if mode.SafeMode {
		safe = readOnly && !critical && !high
	}

	return Analysis{
		Safe:       safe,
		ReadOnly:   readOnly,
		Violations: violations,
		Summary:    Summarize(violations),
	}
}

func collect(dst []Violation, rules Rules, snippet string) []Violation {
	for _, m := range rules {
		match, ok := m.Find(snippet)
		if !ok {
			continue
		}
		dst = append(dst, Violation{
			Pattern:     m.Pattern,
			Description: m.Description,
			Severity:    m.Severity,
			Match:       match,
		})
	}
	return dst
}

// Summarize aggregates violations into a count per severity. It is the only
// producer of Analysis.Summary.
func Summarize(violations []Violation) string {
	if len(violations) == 0 {
		return "no violations"
	}

	counts := make(map[Severity]int, len(Severities))
	for _, v := range violations {
		counts[v.Severity]++
	}

	parts := make([]string, 0, len(Severities))
	for _, sev := range Severities {
		if n := counts[sev]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, sev))
		}
	}

	noun := "violations"
	if len(violations) == 1 {
		noun = "violation"
	}
	return fmt.Sprintf("%d %s: %s", len(violations), noun, strings.Join(parts, ", "))
}
