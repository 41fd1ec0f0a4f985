package triage

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRules []byte

// RuleSet is the external, editable form of the classification rules.
type RuleSet struct {
	Transient       []string `yaml:"transient"`
	ExternalNoise   []string `yaml:"external_noise"`
	NoiseProperties []string `yaml:"noise_properties"`
}

// DefaultRuleSet returns the rules shipped with the binary.
func DefaultRuleSet() (RuleSet, error) {
	return ParseRuleSet(defaultRules)
}

// LoadRuleSet reads rules from a YAML file. An empty path yields the defaults.
func LoadRuleSet(path string) (RuleSet, error) {
	if path == "" {
		return DefaultRuleSet()
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from operator config
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules: %w", err)
	}
	rs, err := ParseRuleSet(data)
	if err != nil {
		return RuleSet{}, fmt.Errorf("rules %s: %w", path, err)
	}
	return rs, nil
}

// ParseRuleSet decodes YAML rules and checks that every pattern compiles.
func ParseRuleSet(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules: %w", err)
	}
	if _, err := compilePatterns(rs.Transient); err != nil {
		return RuleSet{}, fmt.Errorf("transient: %w", err)
	}
	if _, err := compilePatterns(rs.ExternalNoise); err != nil {
		return RuleSet{}, fmt.Errorf("external_noise: %w", err)
	}
	return rs, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	var errs []error
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %q: %w", p, err))
			continue
		}
		out = append(out, re)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}
