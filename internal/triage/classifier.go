package triage

import (
	"regexp"
	"strings"
)

// Classifier maps a sample of events for one template to a category.
type Classifier interface {
	Classify(sample []ErrorEvent) Classification
}

// RuleClassifier classifies with two ordered pattern sets. Transient patterns
// are evaluated against every sampled event before external-noise patterns are
// looked at, so a template that looks both transient and noisy is Transient.
type RuleClassifier struct {
	transient       []*regexp.Regexp
	externalNoise   []*regexp.Regexp
	noiseProperties []string
}

// NewRuleClassifier compiles a rule set.
func NewRuleClassifier(rs RuleSet) (*RuleClassifier, error) {
	transient, err := compilePatterns(rs.Transient)
	if err != nil {
		return nil, err
	}
	noise, err := compilePatterns(rs.ExternalNoise)
	if err != nil {
		return nil, err
	}
	props := make([]string, len(rs.NoiseProperties))
	copy(props, rs.NoiseProperties)

	return &RuleClassifier{
		transient:       transient,
		externalNoise:   noise,
		noiseProperties: props,
	}, nil
}

// Classify returns Transient if any event matches any transient pattern,
// otherwise ExternalNoise if any event matches any noise pattern, otherwise Bug.
func (c *RuleClassifier) Classify(sample []ErrorEvent) Classification {
	for _, e := range sample {
		if matchAny(c.transient, transientText(e)) {
			return Transient
		}
	}
	for _, e := range sample {
		if matchAny(c.externalNoise, c.noiseText(e)) {
			return ExternalNoise
		}
	}
	return Bug
}

func transientText(e ErrorEvent) string {
	return e.LiteralText() + "\n" + e.Exception
}

func (c *RuleClassifier) noiseText(e ErrorEvent) string {
	var b strings.Builder
	b.WriteString(e.LiteralText())
	for _, name := range c.noiseProperties {
		if v, ok := e.Properties[name]; ok {
			b.WriteString("\n")
			b.WriteString(v)
		}
	}
	return b.String()
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
