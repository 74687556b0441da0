package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Severity is the ordinal danger level of a matched rule.
type Severity string

// Severity levels, most dangerous first
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityCustom   Severity = "custom"
)

// Severities lists every severity in reporting order.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityCustom}

// ParseSeverity converts a configuration string into a Severity.
// An empty string yields SeverityCustom.
func ParseSeverity(s string) (Severity, error) {
	switch sev := Severity(strings.ToLower(strings.TrimSpace(s))); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityCustom:
		return sev, nil
	case "":
		return SeverityCustom, nil
	default:
		return "", fmt.Errorf("unknown severity: %q", s)
	}
}

// Rank orders severities; higher is more dangerous.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	default:
		return 1
	}
}

// Rule is a single classification rule. Pattern is an RE2 regular expression.
type Rule struct {
	Pattern     string   `mapstructure:"pattern" yaml:"pattern" json:"pattern"`
	Description string   `mapstructure:"description" yaml:"description" json:"description"`
	Severity    Severity `mapstructure:"severity" yaml:"severity" json:"severity"`
}

// Matcher is a compiled Rule.
type Matcher struct {
	Rule
	re *regexp.Regexp
}

// Find returns the first match of the rule in snippet.
func (m *Matcher) Find(snippet string) (string, bool) {
	loc := m.re.FindStringIndex(snippet)
	if loc == nil {
		return "", false
	}
	return snippet[loc[0]:loc[1]], true
}

// Rules is an ordered list of compiled rules.
type Rules []*Matcher

// Compile validates and compiles rules in order.
func Compile(rules []Rule) (Rules, error) {
	compiled := make(Rules, 0, len(rules))
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %d (%q): empty pattern", i, r.Description)
		}
		sev, err := ParseSeverity(string(r.Severity))
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, r.Description, err)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): invalid pattern: %w", i, r.Description, err)
		}
		r.Severity = sev
		compiled = append(compiled, &Matcher{Rule: r, re: re})
	}
	return compiled, nil
}

// RuleSet is an immutable collection of rules plus the read-only and
// mutation indicator patterns used to decide whether a snippet only reads.
type RuleSet struct {
	rules    Rules
	readOnly []*regexp.Regexp
	mutation []*regexp.Regexp
}

// NewRuleSet compiles a RuleSet. Any invalid pattern fails construction.
func NewRuleSet(rules []Rule, readOnly, mutation []string) (*RuleSet, error) {
	compiled, err := Compile(rules)
	if err != nil {
		return nil, err
	}

	ro, err := compileIndicators("read-only", readOnly)
	if err != nil {
		return nil, err
	}

	mu, err := compileIndicators("mutation", mutation)
	if err != nil {
		return nil, err
	}

	return &RuleSet{rules: compiled, readOnly: ro, mutation: mu}, nil
}

func compileIndicators(kind string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s indicator %q: %w", kind, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Rules returns a copy of the configured rules.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	for i, m := range rs.rules {
		out[i] = m.Rule
	}
	return out
}

// Len returns the number of rules (indicators excluded).
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

func (rs *RuleSet) matchesReadOnly(snippet string) bool {
	return anyMatch(rs.readOnly, snippet)
}

func (rs *RuleSet) matchesMutation(snippet string) bool {
	return anyMatch(rs.mutation, snippet)
}

func anyMatch(patterns []*regexp.Regexp, snippet string) bool {
	for _, re := range patterns {
		if re.MatchString(snippet) {
			return true
		}
	}
	return false
}
