package quality

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sankalpsthakur/scope3-reduce/internal/model"
)

// StalePolicy decides what a scan does with open anomalies whose condition
// no longer triggers.
type StalePolicy string

const (
	// StaleLeaveOpen keeps them open for a human to close.
	StaleLeaveOpen StalePolicy = "leave-open"
	// StaleAutoResolve closes them as resolved by the scanner.
	StaleAutoResolve StalePolicy = "auto-resolve"
	// StaleMark moves them to the stale status.
	StaleMark StalePolicy = "mark-stale"
)

// ParseStalePolicy validates a configured policy string.
func ParseStalePolicy(s string) (StalePolicy, error) {
	switch StalePolicy(s) {
	case StaleLeaveOpen, StaleAutoResolve, StaleMark:
		return StalePolicy(s), nil
	case "":
		return StaleLeaveOpen, nil
	default:
		return "", eris.Errorf("quality: unknown stale policy %q", s)
	}
}

// RulePolicy tunes one rule from the policy file.
type RulePolicy struct {
	Enabled  *bool  `yaml:"enabled"`
	Severity string `yaml:"severity"`
}

// Policy is the optional operator-supplied rules file.
type Policy struct {
	Rules map[string]RulePolicy `yaml:"rules"`
}

// LoadPolicy reads and validates a YAML policy file. An empty path returns
// an empty policy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "quality: read policy %s", path)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, eris.Wrapf(err, "quality: parse policy %s", path)
	}
	for id, rp := range p.Rules {
		if rp.Severity == "" {
			continue
		}
		switch model.AnomalySeverity(rp.Severity) {
		case model.SeverityLow, model.SeverityMedium, model.SeverityHigh:
		default:
			return nil, eris.Errorf("quality: rule %s has invalid severity %q", id, rp.Severity)
		}
	}
	return &p, nil
}

// Apply filters disabled rules and overrides finding severities.
func (p *Policy) Apply(findings []model.Finding) []model.Finding {
	if len(p.Rules) == 0 {
		return findings
	}
	out := findings[:0]
	for _, f := range findings {
		rp, ok := p.Rules[f.RuleID]
		if !ok {
			out = append(out, f)
			continue
		}
		if rp.Enabled != nil && !*rp.Enabled {
			continue
		}
		if rp.Severity != "" {
			f.Severity = model.AnomalySeverity(rp.Severity)
		}
		out = append(out, f)
	}
	return out
}

// Enabled reports whether the policy allows a rule to run at all.
func (p *Policy) Enabled(ruleID string) bool {
	rp, ok := p.Rules[ruleID]
	if !ok {
		return true
	}
	return rp.Enabled == nil || *rp.Enabled
}
