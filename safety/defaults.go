package safety

// DefaultRules returns the built-in rules for the Lua console surface.
func DefaultRules() []Rule {
	return []Rule{
		// Host escape
		{Pattern: `\bos\s*\.\s*execute\b`, Description: "shell command execution", Severity: SeverityCritical},
		{Pattern: `\bio\s*\.\s*popen\b`, Description: "process spawning", Severity: SeverityCritical},
		{Pattern: `\bos\s*\.\s*(remove|rename|tmpname)\b`, Description: "filesystem modification", Severity: SeverityCritical},
		{Pattern: `\bos\s*\.\s*exit\b`, Description: "process termination", Severity: SeverityCritical},
		{Pattern: `\bio\s*\.\s*(open|write|read|lines|output|input)\b`, Description: "file access", Severity: SeverityCritical},
		{Pattern: `\b(loadstring|load|dofile|loadfile)\s*\(`, Description: "dynamic code loading", Severity: SeverityCritical},
		{Pattern: `\brequire\b`, Description: "module loading", Severity: SeverityCritical},
		{Pattern: `\bdebug\s*\.`, Description: "debug library access", Severity: SeverityCritical},
		{Pattern: `\b(setfenv|getfenv)\b`, Description: "environment tampering", Severity: SeverityCritical},
		{Pattern: `\bstring\s*\.\s*dump\b`, Description: "bytecode dump", Severity: SeverityCritical},

		// Data destruction
		{Pattern: `\b(exec_sql|execute_sql)\b`, Description: "raw SQL execution", Severity: SeverityCritical},
		{Pattern: `\b(drop_table|truncate)\b`, Description: "schema destruction", Severity: SeverityCritical},
		{Pattern: `\bdelete_all\b`, Description: "mass deletion", Severity: SeverityHigh},
		{Pattern: `\bupdate_all\b`, Description: "mass update", Severity: SeverityHigh},
		{Pattern: `\bdestroy_all\b`, Description: "mass destruction", Severity: SeverityHigh},
		{Pattern: `[.:]\s*(create|update|save|delete|destroy|insert)\b`, Description: "record mutation", Severity: SeverityMedium},

		// Resource use
		{Pattern: `\bwhile\s+true\b`, Description: "unbounded loop", Severity: SeverityLow},
		{Pattern: `\bcollectgarbage\b`, Description: "garbage collector control", Severity: SeverityLow},
		{Pattern: `\bsleep\s*\(`, Description: "deliberate delay", Severity: SeverityLow},
	}
}

// DefaultReadOnlyIndicators returns patterns that signal a snippet reads state.
func DefaultReadOnlyIndicators() []string {
	return []string{
		`[.:]\s*(count|all|first|last|find|find_by|where|pluck|ids|exists|sum|average|minimum|maximum|limit|offset|order|columns)\b`,
		`^[-+*/%^().\d\s]+$`,
		`\b(print|inspect|tostring|type|defined)\s*\(`,
	}
}

// DefaultMutationIndicators returns patterns that signal a snippet writes state.
func DefaultMutationIndicators() []string {
	return []string{
		`(^|[^=~<>])=($|[^=])`,
		`[.:]\s*(create|update|save|delete|destroy|insert|delete_all|update_all|destroy_all)\b`,
		`\btransaction\b`,
		`\b(exec_sql|execute_sql|drop_table|truncate)\b`,
	}
}

// DefaultRuleSet returns the built-in RuleSet. It panics only if the
// built-in patterns fail to compile.
func DefaultRuleSet() *RuleSet {
	rs, err := NewRuleSet(DefaultRules(), DefaultReadOnlyIndicators(), DefaultMutationIndicators())
	if err != nil {
		panic(err)
	}
	return rs
}
