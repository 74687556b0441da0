package safety

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk layout of a YAML rule file.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules decodes a YAML rule list and compiles it.
//
//	rules:
//	  - pattern: '\bUser\s*\.\s*destroy\b'
//	    description: user removal
//	    severity: high
func LoadRules(r io.Reader) ([]Rule, error) {
	var file ruleFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding rules: %w", err)
	}

	if _, err := Compile(file.Rules); err != nil {
		return nil, err
	}
	return file.Rules, nil
}

// LoadRulesFile reads rules from a YAML file.
func LoadRulesFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	rules, err := LoadRules(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rules, nil
}
