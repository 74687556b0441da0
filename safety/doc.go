// Package safety provides static risk classification of console snippets.
//
// The safety package holds the rule data (RuleSet) and the classifier that
// evaluates a snippet against it before anything is executed. Rules are plain
// data: regular expressions with a description and a severity, loaded from
// configuration or YAML rule files. Classification is a pure function of the
// snippet, the rules and the mode flags, so it can run before any resource is
// acquired.
//
// Usage:
//
//	rules := safety.DefaultRuleSet()
//	analysis := safety.Analyze("User.count()", rules, nil, safety.Mode{SafeMode: true})
//	if !analysis.Safe {
//	    fmt.Println(analysis.Summary)
//	}
package safety
